package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/54b3r/memex-go/internal/embedder"
	"github.com/54b3r/memex-go/internal/logging"
	"github.com/54b3r/memex-go/internal/rag"
	"github.com/54b3r/memex-go/internal/storage"
)

// serve runs input through a Server over d and returns the decoded responses.
func serve(t *testing.T, d *Dispatcher, input string, maxBody int) []map[string]any {
	t.Helper()
	var out bytes.Buffer
	s := NewServer(d, maxBody, logging.Discard())
	if err := s.Serve(context.Background(), iotest.HalfReader(strings.NewReader(input)), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return decodeResponses(t, out.Bytes())
}

// decodeResponses unframes and decodes every response in raw.
func decodeResponses(t *testing.T, raw []byte) []map[string]any {
	t.Helper()
	f := NewFramer(0)
	f.Feed(raw)
	var out []map[string]any
	for {
		body, err := f.Next()
		if errors.Is(err, ErrNeedMore) {
			break
		}
		if err != nil {
			t.Fatalf("response framing: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(body, &m); err != nil {
			t.Fatalf("response is not JSON: %v", err)
		}
		out = append(out, m)
	}
	if f.Buffered() != 0 {
		t.Fatalf("%d trailing bytes in output", f.Buffered())
	}
	return out
}

func errorCode(resp map[string]any) float64 {
	e, _ := resp["error"].(map[string]any)
	code, _ := e["code"].(float64)
	return code
}

// Test_Server_InOrderResponses verifies one response per request, carrying
// the request id, in the order the requests were framed.
func Test_Server_InOrderResponses(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakePipeline{}, allFeatures)
	input := frame(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`) +
		frame(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`) +
		frame(`{"jsonrpc":"2.0","id":"three","method":"ping"}`)

	resps := serve(t, d, input, 0)
	if len(resps) != 3 {
		t.Fatalf("got %d responses, want 3", len(resps))
	}
	wantIDs := []any{float64(1), float64(2), "three"}
	for i, want := range wantIDs {
		if resps[i]["id"] != want {
			t.Errorf("response %d id = %v, want %v", i, resps[i]["id"], want)
		}
	}
}

// Test_Server_ParseErrorDoesNotStopLoop verifies that invalid JSON gets a
// -32700 response and later requests are still answered.
func Test_Server_ParseErrorDoesNotStopLoop(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakePipeline{}, allFeatures)
	input := frame(`{not json`) + frame(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)

	resps := serve(t, d, input, 0)
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want 2", len(resps))
	}
	if errorCode(resps[0]) != CodeParseError || resps[0]["id"] != nil {
		t.Errorf("first response = %v, want parse error with null id", resps[0])
	}
	if resps[1]["id"] != float64(9) {
		t.Errorf("second response = %v", resps[1])
	}
}

func Test_Server_FramingErrorsAnswered(t *testing.T) {
	t.Parallel()
	d, reg := newTestDispatcher(t, &fakePipeline{}, allFeatures)
	input := "X-Nothing: here\r\n\r\n" +
		frame(strings.Repeat("a", 64)) +
		"Content-Length: 2\r\n\r\n\xc3\x28" +
		frame(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	resps := serve(t, d, input, 50)
	if len(resps) != 4 {
		t.Fatalf("got %d responses, want 4", len(resps))
	}
	for i := 0; i < 3; i++ {
		if errorCode(resps[i]) != CodeParseError {
			t.Errorf("response %d = %v, want parse error", i, resps[i])
		}
	}
	if resps[3]["id"] != float64(1) {
		t.Errorf("last response = %v", resps[3])
	}
	for _, kind := range []string{"missing_content_length", "message_too_large", "invalid_utf8"} {
		if got := counterValue(t, reg, "memex_protocol_framing_errors_total", map[string]string{"kind": kind}); got != 1 {
			t.Errorf("framing errors{kind=%s} = %v, want 1", kind, got)
		}
	}
}

func Test_Server_NotificationsAreSilent(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakePipeline{}, allFeatures)
	input := frame(`{"jsonrpc":"2.0","method":"notifications/initialized"}`) +
		frame(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	resps := serve(t, d, input, 0)
	if len(resps) != 1 || resps[0]["id"] != float64(1) {
		t.Fatalf("responses = %v, want only the ping answer", resps)
	}
}

func Test_Server_OneByteReads(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakePipeline{}, allFeatures)
	input := frame(`{"jsonrpc":"2.0","id":1,"method":"ping"}`) + frame(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	var out bytes.Buffer
	s := NewServer(d, 0, logging.Discard())
	if err := s.Serve(context.Background(), iotest.OneByteReader(strings.NewReader(input)), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if got := decodeResponses(t, out.Bytes()); len(got) != 2 {
		t.Fatalf("got %d responses, want 2", len(got))
	}
}

func Test_Server_ReadErrorEndsLoop(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakePipeline{}, allFeatures)
	boom := errors.New("boom")
	s := NewServer(d, 0, logging.Discard())
	err := s.Serve(context.Background(), iotest.ErrReader(boom), &bytes.Buffer{})
	if !errors.Is(err, boom) {
		t.Fatalf("Serve error = %v, want boom", err)
	}
}

// Test_Server_MemoryRoundTrip drives the stdio surface end to end over the
// real pipeline and an in-memory storage engine.
func Test_Server_MemoryRoundTrip(t *testing.T) {
	t.Parallel()
	const dim = 64
	blobs, err := storage.OpenBlobStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	cache, err := storage.NewCache(1<<20, nil)
	if err != nil {
		t.Fatal(err)
	}
	index, err := storage.NewChromemIndex("")
	if err != nil {
		t.Fatal(err)
	}
	engine := storage.NewEngine(storage.EngineConfig{Collection: "test", Dimension: dim}, cache, blobs, index, logging.Discard())
	t.Cleanup(func() { _ = engine.Close() })
	if err := engine.EnsureCollection(context.Background()); err != nil {
		t.Fatal(err)
	}
	slot := embedder.NewSlot(embedder.NewHashProvider(dim), logging.Discard())
	p, err := rag.NewPipeline(engine, slot, nil, rag.Config{}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	d, _ := newTestDispatcher(t, p, allFeatures)

	input := frame(toolCall(1, ToolMemoryUpsert, `{"namespace":"testns","id":"doc1","text":"Ala ma kota","metadata":{"lang":"pl"}}`)) +
		frame(toolCall(2, ToolMemoryGet, `{"namespace":"testns","id":"doc1"}`)) +
		frame(toolCall(3, ToolMemorySearch, `{"namespace":"testns","query":"kota","k":1}`)) +
		frame(toolCall(4, ToolMemoryDelete, `{"namespace":"testns","id":"missing"}`))

	resps := serve(t, d, input, 0)
	if len(resps) != 4 {
		t.Fatalf("got %d responses, want 4", len(resps))
	}
	if got := resultText(t, resps[0]); got != "Upserted doc1" {
		t.Errorf("upsert = %q", got)
	}

	var chunk map[string]any
	if err := json.Unmarshal([]byte(resultText(t, resps[1])), &chunk); err != nil {
		t.Fatalf("memory_get: %v", err)
	}
	if chunk["text"] != "Ala ma kota" || chunk["namespace"] != "testns" {
		t.Errorf("memory_get = %v", chunk)
	}

	var hits []rag.SearchResult
	if err := json.Unmarshal([]byte(resultText(t, resps[2])), &hits); err != nil {
		t.Fatalf("memory_search: %v", err)
	}
	if len(hits) != 1 || hits[0].Namespace != "testns" {
		t.Errorf("memory_search = %+v", hits)
	}

	if got := resultText(t, resps[3]); got != "Deleted 0 rows" {
		t.Errorf("delete absent = %q", got)
	}
}

// blockingPipeline holds MemoryUpsert until release is closed.
type blockingPipeline struct {
	fakePipeline
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPipeline) MemoryUpsert(context.Context, string, string, string, map[string]any) error {
	close(b.entered)
	<-b.release
	return nil
}

// Test_Server_ShutdownWaitsForInFlightCall verifies that Shutdown does not
// return while a tool call is being handled, honours its deadline, and that
// the loop stops afterwards without handling further messages.
func Test_Server_ShutdownWaitsForInFlightCall(t *testing.T) {
	t.Parallel()
	p := &blockingPipeline{entered: make(chan struct{}), release: make(chan struct{})}
	d, _ := newTestDispatcher(t, p, allFeatures)
	s := NewServer(d, 0, logging.Discard())

	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background(), pr, &out) }()

	call := frame(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"memory_upsert","arguments":{"namespace":"n","id":"1","text":"t"}}}`)
	go func() { _, _ = io.WriteString(pw, call) }()
	<-p.entered

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown during call = %v, want DeadlineExceeded", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Shutdown(context.Background()) }()
	select {
	case err := <-stopped:
		t.Fatalf("Shutdown returned %v before the call finished", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(p.release)
	if err := <-stopped; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve: %v", err)
	}

	resps := decodeResponses(t, out.Bytes())
	if len(resps) != 1 || resps[0]["id"] != float64(1) {
		t.Fatalf("responses = %v, want the in-flight call answered", resps)
	}
}

func Test_Server_ShutdownWhenIdle(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakePipeline{}, allFeatures)
	s := NewServer(d, 0, logging.Discard())
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// A later Serve handles nothing and returns cleanly.
	var out bytes.Buffer
	input := frame(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := s.Serve(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Serve after Shutdown: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("Serve after Shutdown wrote %q", out.String())
	}
}
