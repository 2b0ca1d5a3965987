package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// readChunkBytes is the size of each read from the input stream.
const readChunkBytes = 4 << 10

// errServerShutdown stops the read loop once Shutdown has been called.
var errServerShutdown = errors.New("protocol: server shut down")

// Server drives one framed byte stream through a Dispatcher.
//
// busy is held for the duration of each dispatched message; Shutdown takes
// it and never gives it back, so once Shutdown returns no message is being
// handled and none will be.
type Server struct {
	dispatcher *Dispatcher
	maxBody    int
	log        *slog.Logger

	busy     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer returns a Server accepting message bodies up to maxBody bytes
// (DefaultMaxMessageBytes when non-positive).
func NewServer(d *Dispatcher, maxBody int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		dispatcher: d,
		maxBody:    maxBody,
		log:        log,
		busy:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Shutdown stops Serve from handling further messages and waits for the
// message currently being handled, if any, to be answered. It returns
// ctx.Err() if that takes longer than ctx allows; the caller must then
// assume the dispatcher is still in use. Serve returns nil at its next
// message boundary.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	select {
	case s.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire claims the dispatcher for one message. It fails once Shutdown has
// been called.
func (s *Server) acquire() error {
	select {
	case s.busy <- struct{}{}:
	case <-s.done:
		return errServerShutdown
	}
	select {
	case <-s.done:
		<-s.busy
		return errServerShutdown
	default:
		return nil
	}
}

func (s *Server) release() { <-s.busy }

// Serve reads framed requests from r and writes framed responses to w until
// r reaches EOF, a read or write fails, or Shutdown is called. Requests are handled strictly in
// order: every message already buffered is handled and answered before the
// next read. A malformed message is answered with a parse error and does
// not end the loop. EOF returns nil.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	framer := NewFramer(s.maxBody)
	buf := make([]byte, readChunkBytes)

	s.log.Info("protocol: serving", slog.Int("max_message_bytes", framer.maxBody))

	var readErr error
	for {
		if err := s.drain(ctx, framer, w); err != nil {
			if errors.Is(err, errServerShutdown) {
				s.log.Info("protocol: shut down")
				return nil
			}
			return err
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if framer.Buffered() > 0 {
					s.log.Warn("protocol: input closed mid-message", slog.Int("buffered_bytes", framer.Buffered()))
				}
				s.log.Info("protocol: input closed")
				return nil
			}
			return fmt.Errorf("protocol: reading input: %w", readErr)
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-s.done:
			s.log.Info("protocol: shut down")
			return nil
		default:
		}

		var n int
		n, readErr = r.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
		}
	}
}

// drain handles every complete message in the framer.
func (s *Server) drain(ctx context.Context, framer *Framer, w io.Writer) error {
	for {
		body, err := framer.Next()
		if errors.Is(err, ErrNeedMore) {
			return nil
		}
		if err != nil {
			s.dispatcher.metrics.framingErrorsTotal.WithLabelValues(framingErrorKind(err)).Inc()
			s.log.Warn("protocol: framing error", slog.String("error", err.Error()))
			if werr := s.write(w, errorResponse(nil, CodeParseError, "Parse error: "+err.Error())); werr != nil {
				return werr
			}
			continue
		}
		if err := s.handle(ctx, body, w); err != nil {
			return err
		}
	}
}

// handle decodes, dispatches and answers one message body.
func (s *Server) handle(ctx context.Context, body []byte, w io.Writer) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	req, err := decodeRequest(body)
	if err != nil {
		s.log.Warn("protocol: parse error", slog.String("error", err.Error()))
		return s.write(w, errorResponse(nil, CodeParseError, "Parse error: "+err.Error()))
	}

	start := time.Now()
	resp := s.dispatcher.Handle(ctx, req)
	s.log.Debug("protocol: handled",
		slog.String("method", req.Method),
		slog.String("id", string(req.ID)),
		slog.Duration("elapsed", time.Since(start)),
	)
	if resp == nil {
		return nil
	}
	return s.write(w, resp)
}

// write encodes and frames resp.
func (s *Server) write(w io.Writer, resp *Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("protocol: encoding response", slog.String("error", err.Error()))
		raw, err = json.Marshal(errorResponse(resp.ID, CodeInternalError, "Internal error: "+err.Error()))
		if err != nil {
			return fmt.Errorf("protocol: encoding error response: %w", err)
		}
	}
	return WriteMessage(w, raw)
}
