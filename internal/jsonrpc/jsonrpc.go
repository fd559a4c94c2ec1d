// Package jsonrpc defines the JSON-RPC 2.0 envelope shared by the backend
// transports (C2), the aggregate MCP message handler (C8), and upstream
// connections (C9). It intentionally stays a plain data layer — framing
// (newline-delimited stdio, SSE events, WebSocket frames) lives with each
// caller.
package jsonrpc

import "encoding/json"

// Version is the only JSON-RPC version the gateway speaks.
const Version = "2.0"

// ID is a JSON-RPC request id: either a JSON number or a JSON string.
// The zero ID (id absent from the envelope) marks a notification; an
// explicit json null is kept as the raw id "null" and does not.
type ID struct {
	raw json.RawMessage
}

// NewIntID builds an ID from an int64.
func NewIntID(n int64) ID {
	b, _ := json.Marshal(n)
	return ID{raw: b}
}

// NewStringID builds an ID from a string.
func NewStringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// IsZero reports whether the ID was never set (absent from the envelope).
func (i ID) IsZero() bool { return len(i.raw) == 0 }

// String renders the ID for logging/correlation keys.
func (i ID) String() string {
	if i.IsZero() {
		return ""
	}
	return string(i.raw)
}

// MarshalJSON emits the id verbatim.
func (i ID) MarshalJSON() ([]byte, error) {
	if i.IsZero() {
		return []byte("null"), nil
	}
	return i.raw, nil
}

// UnmarshalJSON stores the raw id bytes without normalizing types, so a
// string id is preserved as a string and an integer id is preserved as a
// number, matching spec §3's "preserves incoming ids verbatim" rule.
func (i *ID) UnmarshalJSON(data []byte) error {
	i.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Request is a JSON-RPC 2.0 request or notification (ID.IsZero() == true).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this request carries no id.
func (r *Request) IsNotification() bool { return r.ID.IsZero() }

// NewRequest builds a request with the standard JSON-RPC version tag.
func NewRequest(id ID, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a request with no id.
func NewNotification(method string, params any) (*Request, error) {
	return NewRequest(ID{}, method, params)
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC 2.0 error codes used by the aggregate handler (spec §7/§8).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeApplicationBase is the start of the reserved application error
	// range used for routing/lifecycle faults per spec §7.
	CodeApplicationBase = -32000
)

// Response is a JSON-RPC 2.0 response. Exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResultResponse builds a successful response.
func NewResultResponse(id ID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: b}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, code int, message string, data any) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// DecodeResult unmarshals a successful response's Result into v.
func (r *Response) DecodeResult(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}
