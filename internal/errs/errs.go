// Package errs defines the error kinds surfaced by the pipeline core,
// shared across the worker, handle, supervisor, executor, and pipeline
// layers so callers can classify a failure with errors.Is/errors.As
// instead of matching on message text.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap one of these with fmt.Errorf("...: %w", ...)
// when adding context; never discard it.
var (
	ErrSpawn         = errors.New("spawn error")
	ErrTransport     = errors.New("transport error")
	ErrCodec         = errors.New("codec error")
	ErrTimeout       = errors.New("timeout")
	ErrQuarantined   = errors.New("quarantined")
	ErrBudgetExhaust = errors.New("restart budget exhausted")
	ErrConfigInvalid = errors.New("invalid configuration")
)

// PluginError reports a plugin's process_batch return code, which is
// zero on success and negative on error. A call returning a PluginError
// is handled identically to a transport failure by the resilient
// executor's retry loop.
type PluginError struct {
	Code int
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin error: return code %d", e.Code)
}

// NewPluginError wraps a non-zero plugin return code, or returns nil if
// code is zero.
func NewPluginError(code int) error {
	if code == 0 {
		return nil
	}
	return &PluginError{Code: code}
}
