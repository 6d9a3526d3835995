package config

import "fmt"

// ConfigError reports an invalid or missing configuration value. The CLI
// maps these to exit code 2.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Key, e.Message)
}

// NewConfigError creates a ConfigError for the given key.
func NewConfigError(key, message string) error {
	return &ConfigError{Key: key, Message: message}
}
