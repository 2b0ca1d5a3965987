package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func Test_DecodeToolCall_Variants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		tool string
		args string
		want ToolCall
	}{
		{"rag_index", ToolRagIndex, `{"path":"/a.txt","namespace":"docs"}`, RagIndex{Path: "/a.txt", Namespace: "docs"}},
		{"rag_index_text defaults", ToolRagIndexText, `{"text":"hi"}`, RagIndexText{Text: "hi"}},
		{"rag_index_text full", ToolRagIndexText, `{"text":"hi","id":"x","namespace":"n","metadata":{"a":1}}`,
			RagIndexText{Text: "hi", ID: "x", Namespace: "n", Metadata: map[string]any{"a": float64(1)}}},
		{"rag_search default k", ToolRagSearch, `{"query":"q"}`, RagSearch{Query: "q", K: DefaultRagSearchK}},
		{"rag_search k", ToolRagSearch, `{"query":"q","k":3,"namespace":"n"}`, RagSearch{Query: "q", K: 3, Namespace: "n"}},
		{"memory_upsert", ToolMemoryUpsert, `{"namespace":"testns","id":"doc1","text":"Ala ma kota","metadata":{"lang":"pl"}}`,
			MemoryUpsert{Namespace: "testns", ID: "doc1", Text: "Ala ma kota", Metadata: map[string]any{"lang": "pl"}}},
		{"memory_get", ToolMemoryGet, `{"namespace":"n","id":"1"}`, MemoryGet{Namespace: "n", ID: "1"}},
		{"memory_search default k", ToolMemorySearch, `{"namespace":"n","query":"q"}`, MemorySearch{Namespace: "n", Query: "q", K: DefaultMemorySearchK}},
		{"memory_search float k", ToolMemorySearch, `{"namespace":"n","query":"q","k":2.0}`, MemorySearch{Namespace: "n", Query: "q", K: 2}},
		{"memory_delete", ToolMemoryDelete, `{"namespace":"n","id":"1"}`, MemoryDelete{Namespace: "n", ID: "1"}},
		{"memory_purge_namespace", ToolMemoryPurgeNamespace, `{"namespace":"n"}`, MemoryPurgeNamespace{Namespace: "n"}},
		{"unknown ignores args", "frobnicate", `not json`, UnknownTool{Name: "frobnicate"}},
		{"extra fields ignored", ToolMemoryGet, `{"namespace":"n","id":"1","extra":true}`, MemoryGet{Namespace: "n", ID: "1"}},
		{"null optional", ToolRagIndex, `{"path":"p","namespace":null}`, RagIndex{Path: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeToolCall(tt.tool, json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("DecodeToolCall: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
			if got.ToolName() != tt.tool {
				t.Errorf("ToolName = %q, want %q", got.ToolName(), tt.tool)
			}
		})
	}
}

func Test_DecodeToolCall_ValidationErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		tool      string
		args      string
		wantField string
	}{
		{"missing path", ToolRagIndex, `{}`, "path"},
		{"absent arguments", ToolRagIndex, ``, "path"},
		{"empty required", ToolMemoryGet, `{"namespace":"","id":"1"}`, "namespace"},
		{"wrong type", ToolMemoryGet, `{"namespace":"n","id":7}`, "id"},
		{"zero k", ToolRagSearch, `{"query":"q","k":0}`, "k"},
		{"negative k", ToolMemorySearch, `{"namespace":"n","query":"q","k":-2}`, "k"},
		{"fractional k", ToolRagSearch, `{"query":"q","k":1.5}`, "k"},
		{"string k", ToolRagSearch, `{"query":"q","k":"3"}`, "k"},
		{"metadata not object", ToolMemoryUpsert, `{"namespace":"n","id":"1","text":"t","metadata":[1]}`, "metadata"},
		{"arguments not object", ToolMemoryGet, `["n","1"]`, "arguments"},
		{"malformed arguments", ToolMemoryGet, `{"namespace":`, "arguments"},
		{"first failure wins", ToolMemoryUpsert, `{}`, "namespace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeToolCall(tt.tool, json.RawMessage(tt.args))
			if got != nil {
				t.Errorf("got variant %#v alongside error", got)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func Test_Tools_TableIsComplete(t *testing.T) {
	t.Parallel()
	want := []string{
		ToolRagIndex, ToolRagIndexText, ToolRagSearch, ToolMemoryUpsert,
		ToolMemoryGet, ToolMemorySearch, ToolMemoryDelete, ToolMemoryPurgeNamespace,
	}
	tools := Tools()
	if len(tools) != len(want) {
		t.Fatalf("got %d tools, want %d", len(tools), len(want))
	}
	for i, name := range want {
		if tools[i].Name != name {
			t.Errorf("tool %d = %q, want %q", i, tools[i].Name, name)
		}
		if tools[i].Feature() == "" {
			t.Errorf("tool %q has no feature", name)
		}
		if _, ok := tools[i].InputSchema["required"]; !ok {
			t.Errorf("tool %q schema has no required list", name)
		}
	}
}
