package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultMaxMessageBytes is the default upper bound on a single message body.
const DefaultMaxMessageBytes = 5 << 20

// maxHeaderBytes bounds a header block that never terminates.
const maxHeaderBytes = 8 << 10

// headerEnd separates the header block from the body.
var headerEnd = []byte("\r\n\r\n")

// Framing errors returned by Framer.Next. ErrNeedMore is not an error
// condition; it means the buffer holds no complete message yet.
var (
	ErrNeedMore             = errors.New("protocol: need more bytes")
	ErrMissingContentLength = errors.New("protocol: missing Content-Length header")
	ErrInvalidContentLength = errors.New("protocol: invalid Content-Length header")
	ErrHeaderTooLarge       = errors.New("protocol: header block too large")
	ErrMessageTooLarge      = errors.New("protocol: message body too large")
	ErrInvalidUTF8          = errors.New("protocol: message body is not valid UTF-8")
)

// Framer extracts Content-Length framed messages from a byte stream that may
// arrive in arbitrary fragments. It is not safe for concurrent use.
type Framer struct {
	// buf holds received bytes that have not been consumed yet.
	buf []byte

	// maxBody is the largest body accepted; larger bodies are skipped.
	maxBody int

	// skip is the number of body bytes of an oversized message still to be
	// discarded as they arrive.
	skip int
}

// NewFramer returns a Framer accepting bodies up to maxBody bytes.
// A non-positive maxBody selects DefaultMaxMessageBytes.
func NewFramer(maxBody int) *Framer {
	if maxBody <= 0 {
		maxBody = DefaultMaxMessageBytes
	}
	return &Framer{maxBody: maxBody}
}

// Feed appends p to the receive buffer.
func (f *Framer) Feed(p []byte) {
	if f.skip > 0 {
		n := min(f.skip, len(p))
		f.skip -= n
		p = p[n:]
	}
	f.buf = append(f.buf, p...)
}

// Buffered returns the number of unconsumed bytes.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Next returns the next complete message body. It returns ErrNeedMore when
// the buffer does not hold a full message. Any other error means the
// offending bytes have been dropped and the caller may call Next again.
func (f *Framer) Next() ([]byte, error) {
	if f.skip > 0 {
		return nil, ErrNeedMore
	}

	idx := bytes.Index(f.buf, headerEnd)
	if idx < 0 {
		if len(f.buf) > maxHeaderBytes {
			f.buf = f.buf[:0]
			return nil, ErrHeaderTooLarge
		}
		return nil, ErrNeedMore
	}
	bodyStart := idx + len(headerEnd)

	n, err := parseContentLength(f.buf[:idx])
	if err != nil {
		f.consume(bodyStart)
		return nil, err
	}

	if n > f.maxBody {
		f.consume(bodyStart)
		avail := min(n, len(f.buf))
		f.consume(avail)
		f.skip = n - avail
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrMessageTooLarge, n, f.maxBody)
	}

	if len(f.buf) < bodyStart+n {
		return nil, ErrNeedMore
	}

	body := bytes.Clone(f.buf[bodyStart : bodyStart+n])
	f.consume(bodyStart + n)
	if !utf8.Valid(body) {
		return nil, ErrInvalidUTF8
	}
	return body, nil
}

// consume drops the first n bytes of the buffer.
func (f *Framer) consume(n int) {
	rest := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}

// parseContentLength scans a header block for Content-Length.
func parseContentLength(header []byte) (int, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidContentLength, strings.TrimSpace(value))
		}
		return n, nil
	}
	return 0, ErrMissingContentLength
}

// flusher is implemented by buffered writers such as *bufio.Writer.
type flusher interface {
	Flush() error
}

// WriteMessage writes body to w with a Content-Length header and flushes w
// when it supports flushing.
func WriteMessage(w io.Writer, body []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return fmt.Errorf("protocol: writing header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("protocol: writing body: %w", err)
	}
	if fl, ok := w.(flusher); ok {
		if err := fl.Flush(); err != nil {
			return fmt.Errorf("protocol: flushing: %w", err)
		}
	}
	return nil
}

// framingErrorKind returns a short metric label for a framing error.
func framingErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrMissingContentLength):
		return "missing_content_length"
	case errors.Is(err, ErrInvalidContentLength):
		return "invalid_content_length"
	case errors.Is(err, ErrHeaderTooLarge):
		return "header_too_large"
	case errors.Is(err, ErrMessageTooLarge):
		return "message_too_large"
	case errors.Is(err, ErrInvalidUTF8):
		return "invalid_utf8"
	default:
		return "other"
	}
}
