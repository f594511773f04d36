package shared

import "fmt"

// ConfigError describes one invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("invalid config field [%s]: %s", e.Field, e.Message)
}

// ExitError carries a process exit code out of the command layer.
type ExitError struct {
	Code    int
	Message string
}

func (e ExitError) Error() string {
	return e.Message
}
