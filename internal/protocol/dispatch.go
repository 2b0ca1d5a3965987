package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/memex-go/internal/rag"
	"github.com/54b3r/memex-go/internal/storage"
)

// Pipeline is the set of RAG operations the tools route to.
// *rag.Pipeline satisfies it.
type Pipeline interface {
	IndexDocument(ctx context.Context, path, namespace string) (int, error)
	IndexText(ctx context.Context, namespace, id, text string, metadata map[string]any) (string, error)
	Search(ctx context.Context, namespace, query string, k int) ([]rag.SearchResult, error)
	MemoryUpsert(ctx context.Context, namespace, id, text string, metadata map[string]any) error
	MemoryGet(ctx context.Context, namespace, id string) (*storage.Chunk, error)
	MemorySearch(ctx context.Context, namespace, query string, k int) ([]rag.SearchResult, error)
	MemoryDelete(ctx context.Context, namespace, id string) (int, error)
	PurgeNamespace(ctx context.Context, namespace string) (int, error)
}

// DispatcherConfig holds the dispatcher settings.
type DispatcherConfig struct {
	// ServerName and Version are reported by initialize.
	ServerName string
	Version    string

	// Features lists the enabled tool groups (see config.Feature*).
	Features []string
}

// Dispatcher routes decoded requests to pipeline operations. It holds no
// per-connection state and is safe for concurrent use.
type Dispatcher struct {
	pipeline Pipeline
	info     ServerInfo
	features map[string]bool
	metrics  *protocolMetrics
	log      *slog.Logger
}

// NewDispatcher constructs a Dispatcher. reg may be nil.
func NewDispatcher(p Pipeline, cfg DispatcherConfig, reg prometheus.Registerer, log *slog.Logger) (*Dispatcher, error) {
	if p == nil {
		return nil, fmt.Errorf("protocol: pipeline must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	features := make(map[string]bool, len(cfg.Features))
	for _, f := range cfg.Features {
		features[f] = true
	}
	return &Dispatcher{
		pipeline: p,
		info:     ServerInfo{Name: cfg.ServerName, Version: cfg.Version},
		features: features,
		metrics:  newProtocolMetrics(reg),
		log:      log,
	}, nil
}

// ListTools returns the schemas of the enabled tools.
func (d *Dispatcher) ListTools() []ToolSchema {
	var out []ToolSchema
	for _, t := range toolTable {
		if d.features[t.feature] {
			out = append(out, t)
		}
	}
	return out
}

// Handle executes one request and returns its response, or nil for a
// notification.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) *Response {
	d.metrics.messagesTotal.WithLabelValues(methodLabel(req.Method)).Inc()

	var resp *Response
	switch req.Method {
	case "":
		resp = errorResponse(req.ID, CodeInvalidRequest, "Invalid request: missing method")
	case MethodInitialize:
		resp = resultResponse(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      d.info,
			Capabilities:    Capabilities{Tools: true, Resources: true},
		})
	case MethodToolsList:
		tools := d.ListTools()
		if tools == nil {
			tools = []ToolSchema{}
		}
		resp = resultResponse(req.ID, ToolsListResult{Tools: tools})
	case MethodPing:
		resp = resultResponse(req.ID, struct{}{})
	case MethodResourcesList:
		resp = resultResponse(req.ID, ResourcesListResult{Resources: []any{}})
	case MethodToolsCall:
		resp = d.handleToolsCall(ctx, req)
	default:
		resp = errorResponse(req.ID, CodeMethodNotFound, "Unknown method: "+req.Method)
	}

	if req.IsNotification() {
		return nil
	}
	return resp
}

// toolsCallParams is the params object of tools/call.
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params toolsCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "Invalid params: "+err.Error())
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "Invalid params: missing tool name")
	}

	call, err := DecodeToolCall(params.Name, params.Arguments)
	if err != nil {
		d.metrics.toolCallsTotal.WithLabelValues(toolLabel(params.Name), outcomeInvalid).Inc()
		return resultResponse(req.ID, ToolErrorResult{Error: toolErrorFrom(err)})
	}

	text, toolErr := d.Call(ctx, call)
	if toolErr != nil {
		return resultResponse(req.ID, ToolErrorResult{Error: *toolErr})
	}
	return resultResponse(req.ID, textResult(text))
}

// toolErrorFrom converts a decode error into a tool error.
func toolErrorFrom(err error) ToolError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ToolError{Message: ve.Error(), Code: ToolErrInvalidArguments, Field: ve.Field}
	}
	return ToolError{Message: err.Error(), Code: ToolErrInvalidArguments}
}

// Call executes one decoded tool call and returns its text output or a
// tool-level error. It is shared by the stdio loop and the HTTP transport.
func (d *Dispatcher) Call(ctx context.Context, call ToolCall) (string, *ToolError) {
	name := call.ToolName()

	if _, unknown := call.(UnknownTool); unknown {
		d.metrics.toolCallsTotal.WithLabelValues(toolLabel(name), outcomeUnknown).Inc()
		return "", &ToolError{Message: "Unknown tool: " + name, Code: ToolErrUnknownTool}
	}
	if schema, _ := LookupTool(name); !d.features[schema.feature] {
		d.metrics.toolCallsTotal.WithLabelValues(name, outcomeDisabled).Inc()
		return "", &ToolError{
			Message: fmt.Sprintf("Tool %s is disabled (feature %q is not enabled)", name, schema.feature),
			Code:    ToolErrDisabled,
		}
	}

	start := time.Now()
	text, err := d.execute(ctx, call)
	elapsed := time.Since(start)
	d.metrics.toolDurationSeconds.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		d.metrics.toolCallsTotal.WithLabelValues(name, outcomeError).Inc()
		d.log.Warn("protocol: tool call failed",
			slog.String("tool", name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return "", &ToolError{Message: err.Error(), Code: ToolErrFailed}
	}

	d.metrics.toolCallsTotal.WithLabelValues(name, outcomeOK).Inc()
	d.log.Info("protocol: tool call",
		slog.String("tool", name),
		slog.Duration("elapsed", elapsed),
	)
	return text, nil
}

// chunkView is the memory_get payload. The embedding is omitted.
type chunkView struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
}

// execute routes call to the pipeline and renders the text output.
func (d *Dispatcher) execute(ctx context.Context, call ToolCall) (string, error) {
	switch c := call.(type) {
	case RagIndex:
		n, err := d.pipeline.IndexDocument(ctx, c.Path, c.Namespace)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Indexed: %s (%d chunks)", c.Path, n), nil

	case RagIndexText:
		id, err := d.pipeline.IndexText(ctx, c.Namespace, c.ID, c.Text, c.Metadata)
		if err != nil {
			return "", err
		}
		return "Indexed text with id " + id, nil

	case RagSearch:
		results, err := d.pipeline.Search(ctx, c.Namespace, c.Query, c.K)
		if err != nil {
			return "", err
		}
		return marshalText(results)

	case MemoryUpsert:
		if err := d.pipeline.MemoryUpsert(ctx, c.Namespace, c.ID, c.Text, c.Metadata); err != nil {
			return "", err
		}
		return "Upserted " + c.ID, nil

	case MemoryGet:
		chunk, err := d.pipeline.MemoryGet(ctx, c.Namespace, c.ID)
		if err != nil {
			return "", err
		}
		if chunk == nil {
			return "Not found", nil
		}
		md := chunk.Metadata
		if md == nil {
			md = map[string]any{}
		}
		return marshalText(chunkView{ID: chunk.ID, Namespace: chunk.Namespace, Text: chunk.Text, Metadata: md})

	case MemorySearch:
		results, err := d.pipeline.MemorySearch(ctx, c.Namespace, c.Query, c.K)
		if err != nil {
			return "", err
		}
		return marshalText(results)

	case MemoryDelete:
		n, err := d.pipeline.MemoryDelete(ctx, c.Namespace, c.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted %d rows", n), nil

	case MemoryPurgeNamespace:
		n, err := d.pipeline.PurgeNamespace(ctx, c.Namespace)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Purged namespace '%s', removed %d rows", c.Namespace, n), nil

	default:
		return "", fmt.Errorf("protocol: unhandled tool %s", call.ToolName())
	}
}

// marshalText renders v as compact JSON text.
func marshalText(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("protocol: encoding result: %w", err)
	}
	return string(raw), nil
}
