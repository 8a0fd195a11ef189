// Package errs provides structured error types and helpers for Backcast services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a machine-readable error category raised by the core.
type Code string

const (
	// CodeEngineNotInitialized indicates the operation requires a prior Initialize.
	CodeEngineNotInitialized Code = "engine_not_initialized"
	// CodeEngineInitFailed indicates Initialize preconditions were violated.
	CodeEngineInitFailed Code = "engine_init_failed"
	// CodeEventPublishFailed indicates a subscriber handler failed during publish.
	CodeEventPublishFailed Code = "event_publish_failed"
	// CodeSnapshotCorrupted indicates an I/O, encoding, or missing-field failure on save/load.
	CodeSnapshotCorrupted Code = "snapshot_corrupted"
	// CodeSnapshotVersionMismatch indicates the stored snapshot version is outside the compatible set.
	CodeSnapshotVersionMismatch Code = "snapshot_version_mismatch"
	// CodeSnapshotRestoreFailed indicates structural invariants were violated after load.
	CodeSnapshotRestoreFailed Code = "snapshot_restore_failed"
	// CodeSnapshotNotFound indicates a load was requested for a path that does not exist.
	CodeSnapshotNotFound Code = "snapshot_not_found"
	// CodeStrategyNotFound indicates the referenced strategy does not exist.
	CodeStrategyNotFound Code = "strategy_not_found"
	// CodeStrategyLoadFailed indicates the strategy manager failed to load a strategy.
	CodeStrategyLoadFailed Code = "strategy_load_failed"
	// CodeStrategyParamInvalid indicates a rejected strategy parameter update.
	CodeStrategyParamInvalid Code = "strategy_param_invalid"
	// CodeHotReloadFailed indicates a strategy hot reload failure.
	CodeHotReloadFailed Code = "hot_reload_failed"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Backcast stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Details   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Details:   nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithDetail appends a single structured detail key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, 1)
		}
		e.Details[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithDetails merges the provided detail map into the error envelope.
func WithDetails(details map[string]string) Option {
	return func(e *E) {
		if len(details) == 0 {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, len(details))
		}
		for k, v := range details {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Details[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from an error chain, or empty when none applies.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// Is reports whether the error chain carries the given taxonomy code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
