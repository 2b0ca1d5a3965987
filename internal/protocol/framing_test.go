package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// frame returns body wrapped in a Content-Length header.
func frame(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

// drainFramer returns every body the framer yields before ErrNeedMore.
func drainFramer(t *testing.T, f *Framer) ([]string, []error) {
	t.Helper()
	var bodies []string
	var errs []error
	for {
		body, err := f.Next()
		if errors.Is(err, ErrNeedMore) {
			return bodies, errs
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bodies = append(bodies, string(body))
	}
}

// Test_Framer_RoundTripAnySplit verifies that a stream of framed messages
// decodes to the same bodies regardless of how the bytes are split.
func Test_Framer_RoundTripAnySplit(t *testing.T) {
	t.Parallel()
	bodies := []string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{"text":"zażółć gęślą jaźń"}`,
		``,
		strings.Repeat("x", 9000),
	}
	var stream strings.Builder
	for _, b := range bodies {
		stream.WriteString(frame(b))
	}
	raw := []byte(stream.String())

	for _, step := range []int{1, 2, 3, 7, 64, 4096, len(raw)} {
		f := NewFramer(0)
		var got []string
		for i := 0; i < len(raw); i += step {
			f.Feed(raw[i:min(i+step, len(raw))])
			out, errs := drainFramer(t, f)
			if len(errs) > 0 {
				t.Fatalf("step=%d: unexpected errors %v", step, errs)
			}
			got = append(got, out...)
		}
		if len(got) != len(bodies) {
			t.Fatalf("step=%d: got %d bodies, want %d", step, len(got), len(bodies))
		}
		for i := range bodies {
			if got[i] != bodies[i] {
				t.Errorf("step=%d: body %d mismatch", step, i)
			}
		}
		if f.Buffered() != 0 {
			t.Errorf("step=%d: %d bytes left in buffer", step, f.Buffered())
		}
	}
}

func Test_Framer_ConsumesExactly(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Feed([]byte(frame("abc") + "Content-Len"))
	body, err := f.Next()
	if err != nil || string(body) != "abc" {
		t.Fatalf("Next = %q, %v", body, err)
	}
	if f.Buffered() != len("Content-Len") {
		t.Errorf("Buffered = %d, want %d", f.Buffered(), len("Content-Len"))
	}
	if _, err := f.Next(); !errors.Is(err, ErrNeedMore) {
		t.Errorf("partial header: err = %v, want ErrNeedMore", err)
	}
}

func Test_Framer_HeaderParsing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"case insensitive", "content-length: 2\r\n\r\nhi", "hi", nil},
		{"extra headers", "Content-Type: application/json\r\nContent-Length: 2\r\n\r\nhi", "hi", nil},
		{"no space", "Content-Length:2\r\n\r\nhi", "hi", nil},
		{"missing", "Content-Type: x\r\n\r\nhi", "", ErrMissingContentLength},
		{"non numeric", "Content-Length: two\r\n\r\nhi", "", ErrInvalidContentLength},
		{"negative", "Content-Length: -1\r\n\r\nhi", "", ErrInvalidContentLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := NewFramer(0)
			f.Feed([]byte(tt.input))
			body, err := f.Next()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || string(body) != tt.want {
				t.Fatalf("Next = %q, %v, want %q", body, err, tt.want)
			}
		})
	}
}

// Test_Framer_RecoversAfterBadHeader verifies that a header block without
// Content-Length is dropped and the following message still decodes.
func Test_Framer_RecoversAfterBadHeader(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Feed([]byte("X-Junk: 1\r\n\r\n" + frame("ok")))
	bodies, errs := drainFramer(t, f)
	if len(errs) != 1 || !errors.Is(errs[0], ErrMissingContentLength) {
		t.Fatalf("errs = %v, want one ErrMissingContentLength", errs)
	}
	if len(bodies) != 1 || bodies[0] != "ok" {
		t.Fatalf("bodies = %q, want [ok]", bodies)
	}
}

// Test_Framer_SkipsOversizedBody verifies that a body over the limit is
// discarded across reads and the stream re-synchronises on the next message.
func Test_Framer_SkipsOversizedBody(t *testing.T) {
	t.Parallel()
	f := NewFramer(10)
	big := strings.Repeat("z", 25)
	raw := []byte(frame(big) + frame("small"))

	f.Feed(raw[:30])
	_, errs := drainFramer(t, f)
	if len(errs) != 1 || !errors.Is(errs[0], ErrMessageTooLarge) {
		t.Fatalf("errs = %v, want one ErrMessageTooLarge", errs)
	}

	f.Feed(raw[30:])
	bodies, errs := drainFramer(t, f)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors after skip: %v", errs)
	}
	if len(bodies) != 1 || bodies[0] != "small" {
		t.Fatalf("bodies = %q, want [small]", bodies)
	}
}

func Test_Framer_InvalidUTF8(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Feed([]byte("Content-Length: 2\r\n\r\n\xff\xfe" + frame("next")))
	bodies, errs := drainFramer(t, f)
	if len(errs) != 1 || !errors.Is(errs[0], ErrInvalidUTF8) {
		t.Fatalf("errs = %v, want one ErrInvalidUTF8", errs)
	}
	if len(bodies) != 1 || bodies[0] != "next" {
		t.Fatalf("bodies = %q, want [next]", bodies)
	}
}

func Test_Framer_UnterminatedHeaderTooLarge(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Feed(bytes.Repeat([]byte("a"), maxHeaderBytes+1))
	if _, err := f.Next(); !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("err = %v, want ErrHeaderTooLarge", err)
	}
	if f.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", f.Buffered())
	}
}

func Test_WriteMessage_FramesAndFlushes(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	bw := bufio.NewWriter(&out)
	body := []byte(`{"ok":"żółw"}`)
	if err := WriteMessage(bw, body); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	want := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	f := NewFramer(0)
	f.Feed(out.Bytes())
	got, err := f.Next()
	if err != nil || !bytes.Equal(got, body) {
		t.Errorf("round trip = %q, %v", got, err)
	}
}
