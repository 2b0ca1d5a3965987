package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/54b3r/memex-go/internal/config"
)

// Tool names.
const (
	ToolRagIndex             = "rag_index"
	ToolRagIndexText         = "rag_index_text"
	ToolRagSearch            = "rag_search"
	ToolMemoryUpsert         = "memory_upsert"
	ToolMemoryGet            = "memory_get"
	ToolMemorySearch         = "memory_search"
	ToolMemoryDelete         = "memory_delete"
	ToolMemoryPurgeNamespace = "memory_purge_namespace"
)

// Default result counts.
const (
	DefaultRagSearchK    = 10
	DefaultMemorySearchK = 5
)

// ToolSchema describes one tool in tools/list.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	// feature is the config feature that enables the tool.
	feature string
}

// Feature returns the config feature gating the tool.
func (s ToolSchema) Feature() string {
	return s.feature
}

func stringProp() map[string]any { return map[string]any{"type": "string"} }
func objectProp() map[string]any { return map[string]any{"type": "object"} }
func integerProp(def int) map[string]any {
	return map[string]any{"type": "integer", "default": def, "minimum": 1}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// toolTable is the static schema table, in tools/list order.
var toolTable = []ToolSchema{
	{
		Name:        ToolRagIndex,
		Description: "Index a document for RAG",
		InputSchema: objectSchema(map[string]any{
			"path":      stringProp(),
			"namespace": stringProp(),
		}, "path"),
		feature: config.FeatureFilesystem,
	},
	{
		Name:        ToolRagIndexText,
		Description: "Index raw text for RAG/memory",
		InputSchema: objectSchema(map[string]any{
			"text":      stringProp(),
			"id":        stringProp(),
			"namespace": stringProp(),
			"metadata":  objectProp(),
		}, "text"),
		feature: config.FeatureSearch,
	},
	{
		Name:        ToolRagSearch,
		Description: "Search documents using RAG",
		InputSchema: objectSchema(map[string]any{
			"query":     stringProp(),
			"k":         integerProp(DefaultRagSearchK),
			"namespace": stringProp(),
		}, "query"),
		feature: config.FeatureSearch,
	},
	{
		Name:        ToolMemoryUpsert,
		Description: "Upsert a text chunk into vector memory",
		InputSchema: objectSchema(map[string]any{
			"namespace": stringProp(),
			"id":        stringProp(),
			"text":      stringProp(),
			"metadata":  objectProp(),
		}, "namespace", "id", "text"),
		feature: config.FeatureMemory,
	},
	{
		Name:        ToolMemoryGet,
		Description: "Get a stored chunk by namespace + id",
		InputSchema: objectSchema(map[string]any{
			"namespace": stringProp(),
			"id":        stringProp(),
		}, "namespace", "id"),
		feature: config.FeatureMemory,
	},
	{
		Name:        ToolMemorySearch,
		Description: "Semantic search within a namespace",
		InputSchema: objectSchema(map[string]any{
			"namespace": stringProp(),
			"query":     stringProp(),
			"k":         integerProp(DefaultMemorySearchK),
		}, "namespace", "query"),
		feature: config.FeatureMemory,
	},
	{
		Name:        ToolMemoryDelete,
		Description: "Delete a chunk by namespace + id",
		InputSchema: objectSchema(map[string]any{
			"namespace": stringProp(),
			"id":        stringProp(),
		}, "namespace", "id"),
		feature: config.FeatureMemory,
	},
	{
		Name:        ToolMemoryPurgeNamespace,
		Description: "Delete all chunks in a namespace",
		InputSchema: objectSchema(map[string]any{
			"namespace": stringProp(),
		}, "namespace"),
		feature: config.FeatureMemory,
	},
}

// Tools returns the full schema table.
func Tools() []ToolSchema {
	out := make([]ToolSchema, len(toolTable))
	copy(out, toolTable)
	return out
}

// LookupTool returns the schema for name.
func LookupTool(name string) (ToolSchema, bool) {
	for _, t := range toolTable {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSchema{}, false
}

// ---------------------------------------------------------------------------
// Tagged union
// ---------------------------------------------------------------------------

// ToolCall is a decoded tools/call request. The concrete type is one of the
// variants below; UnknownTool carries names outside the table.
type ToolCall interface {
	// ToolName returns the wire name of the tool.
	ToolName() string
	isToolCall()
}

// RagIndex indexes a document from the filesystem.
type RagIndex struct {
	Path      string
	Namespace string
}

// RagIndexText indexes raw text as a single chunk.
type RagIndexText struct {
	Text      string
	ID        string
	Namespace string
	Metadata  map[string]any
}

// RagSearch searches every namespace, or one when Namespace is set.
type RagSearch struct {
	Query     string
	K         int
	Namespace string
}

// MemoryUpsert stores or replaces one chunk.
type MemoryUpsert struct {
	Namespace string
	ID        string
	Text      string
	Metadata  map[string]any
}

// MemoryGet reads one chunk.
type MemoryGet struct {
	Namespace string
	ID        string
}

// MemorySearch searches within one namespace.
type MemorySearch struct {
	Namespace string
	Query     string
	K         int
}

// MemoryDelete removes one chunk.
type MemoryDelete struct {
	Namespace string
	ID        string
}

// MemoryPurgeNamespace removes every chunk in a namespace.
type MemoryPurgeNamespace struct {
	Namespace string
}

// UnknownTool is a call to a name outside the tool table.
type UnknownTool struct {
	Name string
}

func (RagIndex) ToolName() string             { return ToolRagIndex }
func (RagIndexText) ToolName() string         { return ToolRagIndexText }
func (RagSearch) ToolName() string            { return ToolRagSearch }
func (MemoryUpsert) ToolName() string         { return ToolMemoryUpsert }
func (MemoryGet) ToolName() string            { return ToolMemoryGet }
func (MemorySearch) ToolName() string         { return ToolMemorySearch }
func (MemoryDelete) ToolName() string         { return ToolMemoryDelete }
func (MemoryPurgeNamespace) ToolName() string { return ToolMemoryPurgeNamespace }
func (u UnknownTool) ToolName() string        { return u.Name }

func (RagIndex) isToolCall()             {}
func (RagIndexText) isToolCall()         {}
func (RagSearch) isToolCall()            {}
func (MemoryUpsert) isToolCall()         {}
func (MemoryGet) isToolCall()            {}
func (MemorySearch) isToolCall()         {}
func (MemoryDelete) isToolCall()         {}
func (MemoryPurgeNamespace) isToolCall() {}
func (UnknownTool) isToolCall()          {}

// ValidationError reports a tool argument that failed validation.
type ValidationError struct {
	// Field is the offending argument name, or "arguments" when the
	// arguments object itself is malformed.
	Field string
	// Reason is a short human-readable explanation.
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// DecodeToolCall decodes the arguments of tool name into its ToolCall
// variant. Unknown names decode to UnknownTool without inspecting raw.
// Validation failures are returned as *ValidationError.
func DecodeToolCall(name string, raw json.RawMessage) (ToolCall, error) {
	if _, ok := LookupTool(name); !ok {
		return UnknownTool{Name: name}, nil
	}

	a, err := newArgs(raw)
	if err != nil {
		return nil, err
	}

	call := decodeVariant(name, a)
	if a.err != nil {
		return nil, a.err
	}
	return call, nil
}

// decodeVariant fills the variant for name, recording failures on a.
func decodeVariant(name string, a *args) ToolCall {
	switch name {
	case ToolRagIndex:
		var c RagIndex
		c.Path = a.str("path", true)
		c.Namespace = a.str("namespace", false)
		return c
	case ToolRagIndexText:
		var c RagIndexText
		c.Text = a.str("text", true)
		c.ID = a.str("id", false)
		c.Namespace = a.str("namespace", false)
		c.Metadata = a.object("metadata")
		return c
	case ToolRagSearch:
		var c RagSearch
		c.Query = a.str("query", true)
		c.K = a.positiveInt("k", DefaultRagSearchK)
		c.Namespace = a.str("namespace", false)
		return c
	case ToolMemoryUpsert:
		var c MemoryUpsert
		c.Namespace = a.str("namespace", true)
		c.ID = a.str("id", true)
		c.Text = a.str("text", true)
		c.Metadata = a.object("metadata")
		return c
	case ToolMemoryGet:
		var c MemoryGet
		c.Namespace = a.str("namespace", true)
		c.ID = a.str("id", true)
		return c
	case ToolMemorySearch:
		var c MemorySearch
		c.Namespace = a.str("namespace", true)
		c.Query = a.str("query", true)
		c.K = a.positiveInt("k", DefaultMemorySearchK)
		return c
	case ToolMemoryDelete:
		var c MemoryDelete
		c.Namespace = a.str("namespace", true)
		c.ID = a.str("id", true)
		return c
	default:
		var c MemoryPurgeNamespace
		c.Namespace = a.str("namespace", true)
		return c
	}
}

// args reads typed fields out of an arguments object, keeping the first
// validation error.
type args struct {
	fields map[string]json.RawMessage
	err    error
}

// newArgs parses raw as a JSON object. Absent or null arguments are an
// empty object.
func newArgs(raw json.RawMessage) (*args, error) {
	a := &args{fields: map[string]json.RawMessage{}}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, nullID) {
		return a, nil
	}
	if trimmed[0] != '{' {
		return nil, &ValidationError{Field: "arguments", Reason: "must be an object"}
	}
	if err := json.Unmarshal(trimmed, &a.fields); err != nil {
		return nil, &ValidationError{Field: "arguments", Reason: "malformed JSON object"}
	}
	return a, nil
}

// present returns the raw value of field, treating null as absent.
func (a *args) present(field string) (json.RawMessage, bool) {
	v, ok := a.fields[field]
	if !ok || bytes.Equal(bytes.TrimSpace(v), nullID) {
		return nil, false
	}
	return v, true
}

func (a *args) fail(field, reason string) {
	if a.err == nil {
		a.err = &ValidationError{Field: field, Reason: reason}
	}
}

// str reads a string field. Required fields must be present and non-empty.
func (a *args) str(field string, required bool) string {
	v, ok := a.present(field)
	if !ok {
		if required {
			a.fail(field, "is required")
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		a.fail(field, "must be a string")
		return ""
	}
	if required && s == "" {
		a.fail(field, "must not be empty")
	}
	return s
}

// positiveInt reads an optional integer field that must be at least 1.
func (a *args) positiveInt(field string, def int) int {
	v, ok := a.present(field)
	if !ok {
		return def
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil || f != math.Trunc(f) {
		a.fail(field, "must be an integer")
		return def
	}
	if f < 1 || f > math.MaxInt32 {
		a.fail(field, "must be a positive integer")
		return def
	}
	return int(f)
}

// object reads an optional JSON object field.
func (a *args) object(field string) map[string]any {
	v, ok := a.present(field)
	if !ok {
		return nil
	}
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		a.fail(field, "must be an object")
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		a.fail(field, "must be an object")
		return nil
	}
	return m
}
