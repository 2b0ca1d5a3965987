// Package protocol implements the stdio JSON-RPC surface of memex:
// Content-Length framing, request decoding, the tool-call tagged union and
// the dispatcher that routes calls to the RAG pipeline.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

// JSONRPCVersion is the envelope version written on every response.
const JSONRPCVersion = "2.0"

// ProtocolVersion is reported by initialize.
const ProtocolVersion = "1.0"

// Transport-level error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Method names.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodPing          = "ping"
	MethodResourcesList = "resources/list"
)

// Request is one decoded inbound message.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is one outbound message. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a transport-level error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errTrailingData rejects bodies holding more than one JSON value.
var errTrailingData = errors.New("protocol: trailing data after JSON value")

// nullID is echoed when the request id is unknown.
var nullID = json.RawMessage("null")

// resultResponse builds a success response for id.
func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: echoID(id), Result: result}
}

// errorResponse builds a transport-level error response for id.
func errorResponse(id json.RawMessage, code int, msg string) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: echoID(id), Error: &Error{Code: code, Message: msg}}
}

func echoID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// decodeRequest parses body into a Request. A null id is treated as absent.
func decodeRequest(body []byte) (*Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errTrailingData
	}
	if bytes.Equal(req.ID, nullID) {
		req.ID = nil
	}
	return &req, nil
}

// ---------------------------------------------------------------------------
// Result payloads
// ---------------------------------------------------------------------------

// InitializeResult is returned by initialize.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// ServerInfo identifies the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises optional protocol surfaces.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
}

// ToolsListResult is returned by tools/list.
type ToolsListResult struct {
	Tools []ToolSchema `json:"tools"`
}

// ResourcesListResult is returned by resources/list.
type ResourcesListResult struct {
	Resources []any `json:"resources"`
}

// Content is one item of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the successful outcome of tools/call.
type ToolResult struct {
	Content []Content `json:"content"`
}

// textResult wraps text as a single-item tool result.
func textResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// ToolError is a tool-level failure. It travels inside the result payload,
// not as a transport-level error.
type ToolError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
}

// ToolErrorResult wraps a ToolError for the result payload.
type ToolErrorResult struct {
	Error ToolError `json:"error"`
}

// Tool error codes.
const (
	ToolErrUnknownTool      = "unknown_tool"
	ToolErrInvalidArguments = "invalid_arguments"
	ToolErrDisabled         = "tool_disabled"
	ToolErrFailed           = "tool_failed"
)
