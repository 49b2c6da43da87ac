package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mrlokans/influx-importer/internal/entities"
)

// EnvPrefix prefixes every environment override, e.g. INFLUX_IMPORT_INFLUX_TOKEN.
const EnvPrefix = "INFLUX_IMPORT"

type (
	Config struct {
		Influx
		Import
		CSV
		Health
		History
		Schedule
	}

	Influx struct {
		URL    string
		Org    string
		Bucket string
		Token  string
	}
	Import struct {
		BatchSize       int
		MaxAttempts     int
		RetryDelay      time.Duration
		WritesPerSecond float64
	}
	CSV struct {
		HeaderRows int
		TimeColumn string
		TimeFormat string
		AllowText  bool
		StateFile  string
	}
	Health struct {
		Metrics   []string
		StateFile string
	}
	History struct {
		Path          string // Empty disables run history
		RetentionDays int
	}
	Schedule struct {
		Cron    string // Cron format: "0 */6 * * *" = every 6 hours
		Timeout time.Duration
		Jobs    []Job
	}
)

// Job is one import run by the schedule command.
type Job struct {
	Name        string   `mapstructure:"name"`
	Kind        string   `mapstructure:"kind"`
	Source      string   `mapstructure:"source"`
	Measurement string   `mapstructure:"measurement"`
	HeaderRows  int      `mapstructure:"header_rows"`
	TimeColumn  string   `mapstructure:"time_column"`
	TimeFormat  string   `mapstructure:"time_format"`
	AllowText   bool     `mapstructure:"allow_text"`
	Metrics     []string `mapstructure:"metrics"`
	StateFile   string   `mapstructure:"state_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("influx.url", DefaultInfluxURL)
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "")
	v.SetDefault("influx.token", "")

	v.SetDefault("import.batch_size", 500)
	v.SetDefault("import.max_attempts", 3)
	v.SetDefault("import.retry_delay", "1s")
	v.SetDefault("import.writes_per_second", 0)

	v.SetDefault("csv.header_rows", 1)
	v.SetDefault("csv.time_column", "")
	v.SetDefault("csv.time_format", "")
	v.SetDefault("csv.allow_text", false)
	v.SetDefault("csv.state_file", DefaultCSVStateFile)

	v.SetDefault("health.metrics", []string{})
	v.SetDefault("health.state_file", DefaultHealthStateFile)

	v.SetDefault("history.path", DefaultHistoryPath)
	v.SetDefault("history.retention_days", 90)

	v.SetDefault("schedule.cron", "0 */6 * * *") // Every 6 hours
	v.SetDefault("schedule.timeout", "30m")
}

// Load reads the configuration. Values come from defaults, then the TOML
// file, then INFLUX_IMPORT_* environment variables. An empty path looks for
// influx-import.toml in the working directory and is fine when none exists;
// an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultConfigFile, ".toml"))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var jobs []Job
	if err := v.UnmarshalKey("schedule.jobs", &jobs); err != nil {
		return nil, fmt.Errorf("invalid schedule.jobs: %w", err)
	}

	return &Config{
		Influx: Influx{
			URL:    v.GetString("influx.url"),
			Org:    v.GetString("influx.org"),
			Bucket: v.GetString("influx.bucket"),
			Token:  v.GetString("influx.token"),
		},
		Import: Import{
			BatchSize:       v.GetInt("import.batch_size"),
			MaxAttempts:     v.GetInt("import.max_attempts"),
			RetryDelay:      v.GetDuration("import.retry_delay"),
			WritesPerSecond: v.GetFloat64("import.writes_per_second"),
		},
		CSV: CSV{
			HeaderRows: v.GetInt("csv.header_rows"),
			TimeColumn: v.GetString("csv.time_column"),
			TimeFormat: v.GetString("csv.time_format"),
			AllowText:  v.GetBool("csv.allow_text"),
			StateFile:  v.GetString("csv.state_file"),
		},
		Health: Health{
			Metrics:   splitList(v.GetStringSlice("health.metrics")),
			StateFile: v.GetString("health.state_file"),
		},
		History: History{
			Path:          v.GetString("history.path"),
			RetentionDays: v.GetInt("history.retention_days"),
		},
		Schedule: Schedule{
			Cron:    v.GetString("schedule.cron"),
			Timeout: v.GetDuration("schedule.timeout"),
			Jobs:    jobs,
		},
	}, nil
}

// splitList accepts both TOML arrays and a comma-separated env value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// SinkConfig returns the InfluxDB connection settings.
func (c *Config) SinkConfig() entities.SinkConfig {
	return entities.SinkConfig{
		URL:    c.Influx.URL,
		Org:    c.Influx.Org,
		Bucket: c.Influx.Bucket,
		Token:  c.Influx.Token,
	}
}

func (c *Config) baseRequest(kind entities.SourceKind, source string) entities.ImportRequest {
	return entities.ImportRequest{
		Kind:            kind,
		Source:          source,
		Sink:            c.SinkConfig(),
		BatchSize:       c.Import.BatchSize,
		MaxAttempts:     c.Import.MaxAttempts,
		RetryDelay:      c.Import.RetryDelay,
		WritesPerSecond: c.Import.WritesPerSecond,
	}
}

// CSVRequest builds a CSV import request from the configured defaults.
func (c *Config) CSVRequest(source, measurement string) entities.ImportRequest {
	req := c.baseRequest(entities.SourceKindCSV, source)
	req.Measurement = measurement
	req.HeaderRows = c.CSV.HeaderRows
	req.TimeColumn = c.CSV.TimeColumn
	req.TimeFormat = c.CSV.TimeFormat
	req.AllowTextFields = c.CSV.AllowText
	req.StateFile = c.CSV.StateFile
	return req
}

// HealthRequest builds a Health Connect import request from the configured
// defaults.
func (c *Config) HealthRequest(source string) entities.ImportRequest {
	req := c.baseRequest(entities.SourceKindHealth, source)
	req.Metrics = append([]string(nil), c.Health.Metrics...)
	req.StateFile = c.Health.StateFile
	return req
}

// ScheduledImport is a configured job resolved into a request.
type ScheduledImport struct {
	Name    string
	Request entities.ImportRequest
}

// ScheduledImports resolves the configured jobs. Job settings override the
// section defaults.
func (c *Config) ScheduledImports() ([]ScheduledImport, error) {
	imports := make([]ScheduledImport, 0, len(c.Schedule.Jobs))

	for i, job := range c.Schedule.Jobs {
		name := job.Name
		if name == "" {
			name = fmt.Sprintf("job_%d", i+1)
		}

		var req entities.ImportRequest
		switch entities.SourceKind(strings.ToLower(job.Kind)) {
		case entities.SourceKindCSV:
			req = c.CSVRequest(job.Source, job.Measurement)
			if job.HeaderRows > 0 {
				req.HeaderRows = job.HeaderRows
			}
			if job.TimeColumn != "" {
				req.TimeColumn = job.TimeColumn
			}
			if job.TimeFormat != "" {
				req.TimeFormat = job.TimeFormat
			}
			if job.AllowText {
				req.AllowTextFields = true
			}
		case entities.SourceKindHealth:
			req = c.HealthRequest(job.Source)
			if len(job.Metrics) > 0 {
				req.Metrics = job.Metrics
			}
		default:
			return nil, fmt.Errorf("job %s: unknown kind %q (expected csv or health)", name, job.Kind)
		}
		if job.StateFile != "" {
			req.StateFile = job.StateFile
		}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}

		imports = append(imports, ScheduledImport{Name: name, Request: req})
	}
	return imports, nil
}
