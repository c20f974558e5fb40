package weather

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotFound is returned when no cached or fetchable data exists for a query.
	ErrNotFound = errors.New("not found")
	// ErrConcurrentWrite is returned when a per-key guard could not be acquired in time.
	ErrConcurrentWrite = errors.New("concurrent write conflict")
	// ErrInvalidArgument marks caller input the service refuses.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsupported is returned by providers lacking an operation.
	ErrUnsupported = errors.New("operation not supported by provider")
	// ErrAlreadyExists is returned when a unique record already exists.
	ErrAlreadyExists = errors.New("already exists")
)

// ProviderConnectivityError wraps network and timeout failures talking upstream.
type ProviderConnectivityError struct {
	Provider string
	Err      error
}

func (e *ProviderConnectivityError) Error() string {
	return fmt.Sprintf("%s: connectivity failure: %v", e.Provider, e.Err)
}

func (e *ProviderConnectivityError) Unwrap() error { return e.Err }

// ProviderStatusError is a non-2xx response from upstream.
type ProviderStatusError struct {
	Provider   string
	StatusCode int
}

func (e *ProviderStatusError) Error() string {
	return fmt.Sprintf("%s: upstream responded %d %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable is true for server errors and rate limiting.
func (e *ProviderStatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// InvalidUpstreamDataError means the payload did not match the expected schema.
type InvalidUpstreamDataError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *InvalidUpstreamDataError) Error() string {
	msg := fmt.Sprintf("%s: invalid upstream data: %s", e.Provider, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidUpstreamDataError) Unwrap() error { return e.Err }

// UnknownEquipmentError names UAV models absent from the reference set.
type UnknownEquipmentError struct {
	Models []string
}

func (e *UnknownEquipmentError) Error() string {
	return fmt.Sprintf("unknown UAV models: %s", strings.Join(e.Models, ", "))
}

// Is lets errors.Is(err, ErrNotFound) match unknown equipment.
func (e *UnknownEquipmentError) Is(target error) bool {
	return target == ErrNotFound
}

// IsProviderError reports whether err came from the upstream weather source.
func IsProviderError(err error) bool {
	var conn *ProviderConnectivityError
	var status *ProviderStatusError
	return errors.As(err, &conn) || errors.As(err, &status)
}

// IsInvalidData reports whether err is a malformed upstream payload.
func IsInvalidData(err error) bool {
	var inv *InvalidUpstreamDataError
	return errors.As(err, &inv)
}
