// Package xiaozhi holds the wire types shared by every layer of the
// aggregation gateway: backend transports, the tool router, custom tool
// handlers, the aggregate MCP message handler, and upstream connections.
package xiaozhi

import "encoding/json"

// Tool describes one MCP tool as exposed by the aggregator. Name is always
// the prefixed name (sanitize(service)+"_xzcli_"+local) for standard tools,
// or the bare custom-tool name for custom tools.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// EnhancedTool augments Tool with router bookkeeping surfaced to API
// consumers (the local REST/WS control surface).
type EnhancedTool struct {
	Tool
	ServiceName  string `json:"serviceName,omitempty"`
	LocalName    string `json:"localName,omitempty"`
	Custom       bool   `json:"custom"`
	Enabled      bool   `json:"enabled"`
	UsageCount   int64  `json:"usageCount"`
	LastUsedTime *int64 `json:"lastUsedTime,omitempty"`
}

// ContentItem is one element of a ToolCallResult's content array. Per spec
// §9's open question, unknown "type" values must survive round-tripping
// unchanged, so the raw JSON is preserved alongside the decoded common
// fields instead of collapsing to a closed Go sum type.
type ContentItem struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// MarshalJSON emits Raw verbatim when present so unrecognized fields survive
// a decode/encode round trip; otherwise it falls back to the typed view.
func (c ContentItem) MarshalJSON() ([]byte, error) {
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}
	type alias ContentItem
	return json.Marshal(alias(c))
}

// UnmarshalJSON keeps the raw bytes for passthrough while also decoding the
// common fields other parts of the system rely on (Type, Text, ...).
func (c *ContentItem) UnmarshalJSON(data []byte) error {
	type alias ContentItem
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = ContentItem(a)
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// TextContent is a convenience constructor for the common "text" content kind.
func TextContent(text string) ContentItem {
	return ContentItem{Type: "text", Text: text}
}

// ToolCallResult is the MCP tools/call result shape, passed through
// verbatim from backends and custom tool handlers alike.
type ToolCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ErrorResult builds a ToolCallResult representing a tool-level failure
// (isError:true), which per spec §7 is a successful JSON-RPC response, not
// a protocol error.
func ErrorResult(message string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentItem{TextContent(message)},
		IsError: true,
	}
}

// ClientInfo identifies the aggregator to a backend during the MCP handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
