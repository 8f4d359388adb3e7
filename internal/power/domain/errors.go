package power

import (
	"context"
	"errors"
	"fmt"
)

// ConfigurationError reports invalid or missing configuration. It is
// fatal at startup.
type ConfigurationError struct {
	Kind string
	ID   string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("config: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("config: %s %q: %v", e.Kind, e.ID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConfigErrorf builds a ConfigurationError.
func ConfigErrorf(kind, id, format string, args ...any) error {
	return &ConfigurationError{Kind: kind, ID: id, Err: fmt.Errorf(format, args...)}
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// SinkError classifies a sink failure.
type SinkError struct {
	Fatal bool
	Err   error
}

func (e *SinkError) Error() string {
	if e.Fatal {
		return "sink fatal: " + e.Err.Error()
	}
	return "sink retryable: " + e.Err.Error()
}

func (e *SinkError) Unwrap() error { return e.Err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &SinkError{Err: err}
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &SinkError{Fatal: true, Err: err}
}

// IsFatal reports whether err was classified fatal. Unclassified errors
// are retryable.
func IsFatal(err error) bool {
	var sinkErr *SinkError
	if errors.As(err, &sinkErr) {
		return sinkErr.Fatal
	}
	return false
}

// Classify maps an attempt error to its outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsFatal(err):
		return OutcomeFatal
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeRetryable
	}
}
