// Package config provides YAML configuration loading with environment
// variable overrides, validation, and file-watch hot-reload for the talon
// socket toolkit.
package config

// Config is the contract every loadable configuration struct satisfies.
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is implemented by components that want to be told
// when a named configuration is reloaded from disk.
type ConfigChangeListener interface {
	// OnConfigChanged is called after a successful reload. Listeners
	// filter on configName themselves.
	OnConfigChanged(configName string, newConfig, oldConfig Config) error

	// GetConfigName returns the configuration name the listener cares about.
	GetConfigName() string
}
