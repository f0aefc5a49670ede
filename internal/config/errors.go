package config

import (
	"errors"
	"path/filepath"
	"strings"
)

// ValidationError reports a configuration value that must be fixed before a collection can run.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := "invalid " + e.Field + ": " + e.Message
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// LoadError reports a collection file that could not be loaded.
type LoadError struct {
	Path string
	// Name is the collection name when the file could be decoded.
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return "collection " + e.Path + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Label names the collection for reports: its name, else the file name without extension.
func (e *LoadError) Label() string {
	if strings.TrimSpace(e.Name) != "" {
		return e.Name
	}
	base := filepath.Base(e.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadErrors extracts the per-file failures from an error returned by LoadCollections.
func LoadErrors(err error) []*LoadError {
	if err == nil {
		return nil
	}
	var out []*LoadError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, LoadErrors(e)...)
		}
		return out
	}
	var le *LoadError
	if errors.As(err, &le) {
		return []*LoadError{le}
	}
	return nil
}
