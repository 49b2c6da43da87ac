package config

// Default file locations
const (
	// DefaultConfigFile is looked up in the working directory and written by init
	DefaultConfigFile = "influx-import.toml"

	// DefaultCSVStateFile tracks CSV imports
	DefaultCSVStateFile = ".import_state.json"

	// DefaultHealthStateFile tracks Health Connect imports
	DefaultHealthStateFile = ".health_import_state.json"

	// DefaultHistoryPath is the run history database
	DefaultHistoryPath = "./import_history.db"
)

const DefaultInfluxURL = "http://localhost:8086"
