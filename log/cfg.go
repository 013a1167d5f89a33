package log

import "fmt"

// LogCfg configures the package logger. All fields are loadable through the
// config manager under the "logger" config name and may be hot-reloaded.
type LogCfg struct {
	// LogPath is the target file for the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level that will be emitted.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB is the size-based rotation threshold in megabytes.
	// Zero disables rotation.
	FileSplitMB int `mapstructure:"splitmb"`

	// CallerSkip adjusts the stack depth used when capturing caller
	// information, for wrapper layers around the logger.
	CallerSkip int `mapstructure:"callerSkip"`

	// FileAppender enables file output.
	FileAppender bool `mapstructure:"fileAppender"`

	// ConsoleAppender enables stdout output.
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// EnabledCallerInfo adds a caller field (file:function:line) to every
	// entry. Costs a runtime.Caller per entry on cache miss.
	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName implements config.Config.
func (cfg *LogCfg) GetName() string {
	return "logger"
}

// Validate implements config.Config.
func (cfg *LogCfg) Validate() error {
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("path must be set when fileAppender is enabled")
	}
	if cfg.FileSplitMB < 0 {
		return fmt.Errorf("splitmb cannot be negative")
	}
	return nil
}

var _defaultCfg = &LogCfg{
	LogPath:         "./talon.log",
	LogLevel:        InfoLevel,
	FileSplitMB:     50,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
