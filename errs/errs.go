// Package errs provides structured error types and helpers for the ledger services.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category shared across the session, router and ledger.
type Code string

const (
	// CodeTransport indicates a frame could not be written to the socket.
	CodeTransport Code = "transport"
	// CodeTimeout indicates a correlated request was not answered before its deadline.
	CodeTimeout Code = "timeout"
	// CodeDisconnected indicates a pending request was invalidated by a disconnect.
	CodeDisconnected Code = "disconnected"
	// CodeServer indicates the server answered a request with ok=false.
	CodeServer Code = "server_error"
	// CodeMalformed indicates inbound data could not be decoded.
	CodeMalformed Code = "malformed_frame"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the component is closed or not yet started.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the ledger stack.
type E struct {
	Component string
	Code      Code
	Op        string
	Message   string
	RawMsg    string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Op:        "",
		Message:   "",
		RawMsg:    "",
		Metadata:  nil,
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

// WithOp records the control operation the error relates to.
func WithOp(op string) Option {
	trimmed := strings.TrimSpace(op)
	return func(e *E) {
		e.Op = trimmed
	}
}

// WithRawMessage captures the raw server or wire message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
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

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope carrying the same code. Sentinels built with
// New(component, code) therefore match any error of that category via errors.Is.
func (e *E) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*E)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the code of the first envelope in the chain, or "" when none is present.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*E); ok && e != nil {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
