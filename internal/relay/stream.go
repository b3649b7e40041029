package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// StreamContentType is sent on every streamed response, whatever the backend
// declared.
const StreamContentType = "text/plain; charset=utf-8"

// LineResult wraps one line or a read error from the backend stream.
type LineResult struct {
	Line string
	Err  error
}

// Stream is an open streamed backend response with status 200. It is cancelled
// when no data arrives from the backend for idleTimeout.
type Stream struct {
	ctx         context.Context
	cancel      context.CancelCauseFunc
	body        io.ReadCloser
	idle        *time.Timer
	idleTimeout time.Duration
	closeOnce   sync.Once
}

func newStream(ctx context.Context, cancel context.CancelCauseFunc, idle *time.Timer, idleTimeout time.Duration, resp *http.Response) *Stream {
	idle.Reset(idleTimeout)
	return &Stream{
		ctx:         ctx,
		cancel:      cancel,
		body:        resp.Body,
		idle:        idle,
		idleTimeout: idleTimeout,
	}
}

// Close releases the backend connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.idle.Stop()
		s.cancel(nil)
		err = s.body.Close()
	})
	return err
}

// Lines starts reading the backend body and yields each non-empty line, with
// its line terminator removed, in receipt order. The channel is closed when the
// backend closes the connection, after a read error, or when the stream's
// context ends. Lines may only be called once.
func (s *Stream) Lines() <-chan LineResult {
	out := make(chan LineResult)
	go s.readLines(out)
	return out
}

func (s *Stream) readLines(out chan<- LineResult) {
	defer close(out)

	br := bufio.NewReader(s.body)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			s.idle.Reset(s.idleTimeout)
		}
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			select {
			case out <- LineResult{Line: line}:
			case <-s.ctx.Done():
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if s.ctx.Err() != nil {
				err = context.Cause(s.ctx)
			}
			select {
			case out <- LineResult{Err: fmt.Errorf("stream read error: %w", err)}:
			case <-s.ctx.Done():
			}
			return
		}
	}
}

// Forward copies every line to w followed by a newline, calling flush after
// each one so the caller sees the backend's pacing. It returns the number of
// lines written. A write failure means the caller is gone.
func (s *Stream) Forward(w io.Writer, flush func()) (int, error) {
	defer s.Close()

	n := 0
	lines := s.Lines()
	for res := range lines {
		if res.Err != nil {
			return n, transport(res.Err)
		}
		if _, err := io.WriteString(w, res.Line+"\n"); err != nil {
			return n, fmt.Errorf("write to caller: %w", err)
		}
		if flush != nil {
			flush()
		}
		n++
	}
	if s.ctx.Err() != nil {
		// The producer stops silently when the context ends between lines.
		return n, transport(fmt.Errorf("stream read error: %w", context.Cause(s.ctx)))
	}
	return n, nil
}

// ErrorEvent renders a terminal stream event carrying message, in the
// event-stream framing the backend uses.
func ErrorEvent(message string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    "api_error",
		},
	})
	return []byte("data: " + string(payload) + "\n\n")
}
