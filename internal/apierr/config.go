package apierr

import "fmt"

// ConfigError is returned when the configuration is missing a required
// setting or contains an invalid value.
type ConfigError struct {
	Key    string
	Reason string
}

func NewConfigError(key, reason string) *ConfigError {
	return &ConfigError{Key: key, Reason: reason}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration setting %q: %s", e.Key, e.Reason)
}
