package config

import (
	"errors"
	"fmt"
)

// ErrConfigNotFound wraps the underlying stat/read failure for a missing file.
var ErrConfigNotFound = errors.New("config file not found")

// ValidationError reports a structural or semantic problem in a config file.
// Path locates the offending value in JSON-path-like notation, e.g.
// `Agent "backend" deny.tools["postgres"][2]`.
type ValidationError struct {
	File    string
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// EnvVarError reports an unresolvable ${NAME} placeholder.
type EnvVarError struct {
	Name string
	Path string
}

func (e *EnvVarError) Error() string {
	return fmt.Sprintf("%s: environment variable %q is not set", e.Path, e.Name)
}

// InvalidJSONError wraps a JSON parse failure with the file it came from.
type InvalidJSONError struct {
	File string
	Err  error
}

func (e *InvalidJSONError) Error() string {
	return fmt.Sprintf("invalid JSON in %s: %v", e.File, e.Err)
}

func (e *InvalidJSONError) Unwrap() error { return e.Err }
