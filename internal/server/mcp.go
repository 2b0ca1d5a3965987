package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/54b3r/memex-go/internal/protocol"
	"github.com/54b3r/memex-go/internal/version"
)

// RagIndexInput is the input schema for rag_index.
type RagIndexInput struct {
	Path      string `json:"path" jsonschema:"filesystem path or http(s) URL of the document"`
	Namespace string `json:"namespace,omitempty" jsonschema:"target namespace (default: default)"`
}

// RagIndexTextInput is the input schema for rag_index_text.
type RagIndexTextInput struct {
	Text      string         `json:"text" jsonschema:"text to index as a single chunk"`
	ID        string         `json:"id,omitempty" jsonschema:"chunk id; generated when omitted"`
	Namespace string         `json:"namespace,omitempty" jsonschema:"target namespace (default: default)"`
	Metadata  map[string]any `json:"metadata,omitempty" jsonschema:"arbitrary metadata stored with the chunk"`
}

// RagSearchInput is the input schema for rag_search.
type RagSearchInput struct {
	Query     string `json:"query" jsonschema:"search query"`
	K         int    `json:"k,omitempty" jsonschema:"maximum number of results (default 10)"`
	Namespace string `json:"namespace,omitempty" jsonschema:"restrict the search to one namespace"`
}

// MemoryUpsertInput is the input schema for memory_upsert.
type MemoryUpsertInput struct {
	Namespace string         `json:"namespace" jsonschema:"namespace of the chunk"`
	ID        string         `json:"id" jsonschema:"chunk id, unique within the namespace"`
	Text      string         `json:"text" jsonschema:"chunk text"`
	Metadata  map[string]any `json:"metadata,omitempty" jsonschema:"arbitrary metadata stored with the chunk"`
}

// MemoryKeyInput is the input schema for memory_get and memory_delete.
type MemoryKeyInput struct {
	Namespace string `json:"namespace" jsonschema:"namespace of the chunk"`
	ID        string `json:"id" jsonschema:"chunk id"`
}

// MemorySearchInput is the input schema for memory_search.
type MemorySearchInput struct {
	Namespace string `json:"namespace" jsonschema:"namespace to search"`
	Query     string `json:"query" jsonschema:"search query"`
	K         int    `json:"k,omitempty" jsonschema:"maximum number of results (default 5)"`
}

// MemoryNamespaceInput is the input schema for memory_purge_namespace.
type MemoryNamespaceInput struct {
	Namespace string `json:"namespace" jsonschema:"namespace to purge"`
}

// newMCPServer registers every enabled tool on a fresh go-sdk server.
func (s *Server) newMCPServer() *mcp.Server {
	v := s.cfg.Version
	if v == "" {
		v = version.Version
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: version.ServerName, Version: v}, nil)

	for _, t := range s.dispatcher.ListTools() {
		tool := &mcp.Tool{Name: t.Name, Description: t.Description}
		switch t.Name {
		case protocol.ToolRagIndex:
			mcp.AddTool(srv, tool, toolHandler[RagIndexInput](s, t.Name))
		case protocol.ToolRagIndexText:
			mcp.AddTool(srv, tool, toolHandler[RagIndexTextInput](s, t.Name))
		case protocol.ToolRagSearch:
			mcp.AddTool(srv, tool, toolHandler[RagSearchInput](s, t.Name))
		case protocol.ToolMemoryUpsert:
			mcp.AddTool(srv, tool, toolHandler[MemoryUpsertInput](s, t.Name))
		case protocol.ToolMemoryGet, protocol.ToolMemoryDelete:
			mcp.AddTool(srv, tool, toolHandler[MemoryKeyInput](s, t.Name))
		case protocol.ToolMemorySearch:
			mcp.AddTool(srv, tool, toolHandler[MemorySearchInput](s, t.Name))
		case protocol.ToolMemoryPurgeNamespace:
			mcp.AddTool(srv, tool, toolHandler[MemoryNamespaceInput](s, t.Name))
		}
	}
	return srv
}

// mcpHandler serves the registered tools over the streamable HTTP transport.
func (s *Server) mcpHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}

// toolHandler returns a typed go-sdk handler that routes In through the
// same decoding and dispatch as the stdio protocol.
func toolHandler[In any](s *Server, name string) mcp.ToolHandlerFor[In, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		return s.callTool(ctx, name, in), nil, nil
	}
}

// callTool re-encodes in as tool arguments, decodes it into the protocol
// tagged union and dispatches it. Failures become IsError results so the
// client sees them as tool errors rather than transport errors.
func (s *Server) callTool(ctx context.Context, name string, in any) *mcp.CallToolResult {
	raw, err := json.Marshal(in)
	if err != nil {
		return errorResult("encoding arguments: " + err.Error())
	}
	call, err := protocol.DecodeToolCall(name, raw)
	if err != nil {
		return errorResult(err.Error())
	}
	text, toolErr := s.dispatcher.Call(ctx, call)
	if toolErr != nil {
		return errorResult(toolErr.Message)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// errorResult wraps msg as a tool error result.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
