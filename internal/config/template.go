package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# influx-import configuration
#
# Every value can be overridden with an environment variable named after its
# key, e.g. influx.token -> INFLUX_IMPORT_INFLUX_TOKEN. Command line flags
# override both.

`

type fileConfig struct {
	Influx   fileInflux   `toml:"influx"`
	Import   fileImport   `toml:"import"`
	CSV      fileCSV      `toml:"csv"`
	Health   fileHealth   `toml:"health"`
	History  fileHistory  `toml:"history"`
	Schedule fileSchedule `toml:"schedule"`
}

type fileInflux struct {
	URL    string `toml:"url" comment:"InfluxDB 2.x server URL"`
	Org    string `toml:"org" comment:"Organization name"`
	Bucket string `toml:"bucket" comment:"Bucket points are written to"`
	Token  string `toml:"token" comment:"API token with write access to the bucket"`
}

type fileImport struct {
	BatchSize       int     `toml:"batch_size" comment:"Points per write request"`
	MaxAttempts     int     `toml:"max_attempts" comment:"Attempts per batch before it is reported as failed"`
	RetryDelay      string  `toml:"retry_delay" comment:"Delay before the first retry, doubled on every further attempt"`
	WritesPerSecond float64 `toml:"writes_per_second" comment:"Maximum write requests per second, 0 for no limit"`
}

type fileCSV struct {
	HeaderRows int    `toml:"header_rows" comment:"Number of stacked header rows"`
	TimeColumn string `toml:"time_column" comment:"Timestamp column, empty to detect it"`
	TimeFormat string `toml:"time_format" comment:"Go time layout, empty to try the common formats"`
	AllowText  bool   `toml:"allow_text" comment:"Keep non-numeric cells as string fields"`
	StateFile  string `toml:"state_file" comment:"Import state for CSV files"`
}

type fileHealth struct {
	Metrics   []string `toml:"metrics" comment:"Metrics to import, empty for all of them"`
	StateFile string   `toml:"state_file" comment:"Import state for Health Connect exports"`
}

type fileHistory struct {
	Path          string `toml:"path" comment:"Run history database, empty to disable"`
	RetentionDays int    `toml:"retention_days" comment:"Days of history kept by 'history prune'"`
}

type fileSchedule struct {
	Cron    string    `toml:"cron" comment:"Cron schedule of the schedule command"`
	Timeout string    `toml:"timeout" comment:"Maximum duration of one scheduled run"`
	Jobs    []fileJob `toml:"jobs" comment:"Imports run on every tick"`
}

type fileJob struct {
	Name        string   `toml:"name"`
	Kind        string   `toml:"kind" comment:"csv or health"`
	Source      string   `toml:"source"`
	Measurement string   `toml:"measurement,omitempty"`
	HeaderRows  int      `toml:"header_rows,omitempty"`
	Metrics     []string `toml:"metrics,omitempty"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Influx: fileInflux{URL: DefaultInfluxURL},
		Import: fileImport{BatchSize: 500, MaxAttempts: 3, RetryDelay: "1s"},
		CSV:    fileCSV{HeaderRows: 1, StateFile: DefaultCSVStateFile},
		Health: fileHealth{
			Metrics:   []string{},
			StateFile: DefaultHealthStateFile,
		},
		History: fileHistory{Path: DefaultHistoryPath, RetentionDays: 90},
		Schedule: fileSchedule{
			Cron:    "0 */6 * * *",
			Timeout: "30m",
			Jobs:    []fileJob{},
		},
	}
}

// Template returns the commented default configuration.
func Template() ([]byte, error) {
	body, err := toml.Marshal(defaultFileConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode config template: %w", err)
	}
	return append([]byte(templateHeader), body...), nil
}

// WriteTemplate writes the default configuration to path. An existing file
// is only replaced when overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	data, err := Template()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config template: %w", err)
	}
	return nil
}
