package xiaozhi

import "errors"

// ErrorCode is the taxonomy of error kinds from spec §7, reused verbatim
// across the transport, router, and JSON-RPC handler layers (adapted from
// the teacher's internal/errors.ErrorCode pattern).
type ErrorCode string

const (
	CodeInvalidConfig          ErrorCode = "invalid_config"
	CodeTransportConnectFailed ErrorCode = "transport_connect_failed"
	CodeTransportClosed        ErrorCode = "transport_closed"
	CodeTransportTimeout       ErrorCode = "transport_timeout"
	CodeTransportProtocol      ErrorCode = "transport_protocol_error"
	CodeToolNotFound           ErrorCode = "tool_not_found"
	CodeServiceUnavailable     ErrorCode = "service_unavailable"
	CodeServiceNotConnected    ErrorCode = "service_not_connected"
	CodeUpstreamDisconnected   ErrorCode = "upstream_disconnected"
	CodeInternal               ErrorCode = "internal"
)

// Sentinel errors. Transport/backend/router code wraps these with
// fmt.Errorf("...: %w", Err...) so callers can use errors.Is.
var (
	ErrInvalidConfig       = errors.New("invalid config")
	ErrToolNotFound        = errors.New("tool not found")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrServiceNotConnected = errors.New("service not connected")
	ErrUpstreamDisconnected = errors.New("upstream disconnected")
)

// TransportErrorKind enumerates the transport-layer failure modes in spec §4.2.
type TransportErrorKind string

const (
	TransportConnectFailed TransportErrorKind = "connect_failed"
	TransportClosed        TransportErrorKind = "closed"
	TransportProtocolError TransportErrorKind = "protocol_error"
	TransportTimeout       TransportErrorKind = "timeout"
)

// TransportError is returned by every Transport operation that can fail.
type TransportError struct {
	Kind TransportErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Op
	}
	return string(e.Kind) + ": " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError builds a TransportError, wrapping err if non-nil.
func NewTransportError(kind TransportErrorKind, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Op: op, Err: err}
}

// IsTransportKind reports whether err is a TransportError of the given kind.
func IsTransportKind(err error, kind TransportErrorKind) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// ErrorObject is the structured error surfaced to API and JSON-RPC
// consumers. Directly adapted from the teacher's
// internal/errors.ErrorObject.
type ErrorObject struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// MapError converts a sentinel/wrapped error into a structured ErrorObject.
func MapError(err error) ErrorObject {
	switch {
	case errors.Is(err, ErrInvalidConfig):
		return ErrorObject{Code: CodeInvalidConfig, Message: err.Error()}
	case errors.Is(err, ErrToolNotFound):
		return ErrorObject{Code: CodeToolNotFound, Message: err.Error()}
	case errors.Is(err, ErrServiceUnavailable):
		return ErrorObject{Code: CodeServiceUnavailable, Message: err.Error()}
	case errors.Is(err, ErrServiceNotConnected):
		return ErrorObject{Code: CodeServiceNotConnected, Message: err.Error()}
	case errors.Is(err, ErrUpstreamDisconnected):
		return ErrorObject{Code: CodeUpstreamDisconnected, Message: err.Error(), Retryable: true}
	case IsTransportKind(err, TransportConnectFailed):
		return ErrorObject{Code: CodeTransportConnectFailed, Message: err.Error(), Retryable: true}
	case IsTransportKind(err, TransportClosed):
		return ErrorObject{Code: CodeTransportClosed, Message: err.Error(), Retryable: true}
	case IsTransportKind(err, TransportTimeout):
		return ErrorObject{Code: CodeTransportTimeout, Message: err.Error(), Retryable: true}
	case IsTransportKind(err, TransportProtocolError):
		return ErrorObject{Code: CodeTransportProtocol, Message: err.Error()}
	default:
		return ErrorObject{Code: CodeInternal, Message: err.Error()}
	}
}
