package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polyglot-llm/inference-relay/internal/backend"
	"github.com/polyglot-llm/inference-relay/internal/translate"
)

func newTestEngine(t *testing.T, h http.HandlerFunc, opts Options) *Engine {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewEngine(backend.NewClient(srv.URL), opts)
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"object", `{"model":"m","stream":true}`, false},
		{"object with trailing whitespace", "{\"a\":1}\n\n", false},
		{"empty", ``, true},
		{"garbage", `not json`, true},
		{"truncated", `{"model":`, true},
		{"array", `[1,2]`, true},
		{"null", `null`, true},
		{"trailing data", `{"a":1}{"b":2}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := DecodeRequest(strings.NewReader(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", doc)
				}
				relayErr := AsError(err)
				if relayErr.Kind != KindMalformedRequest || relayErr.Status != http.StatusBadRequest {
					t.Errorf("got %v, want malformed request 400", relayErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeRequest() error = %v", err)
			}
		})
	}
}

func TestDecodeRequest_PreservesNumbers(t *testing.T) {
	doc, err := DecodeRequest(strings.NewReader(`{"seed":12345678901234567890,"temperature":0.70}`))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"seed":12345678901234567890,"temperature":0.70}` {
		t.Errorf("numbers rewritten: %s", out)
	}
}

func TestEngine_Complete_Success(t *testing.T) {
	var gotBody map[string]any
	var gotPath string
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"x"}`)
	}, Options{})

	doc := translate.Document{"model": "m", "messages": []any{}}
	out, err := e.Complete(context.Background(), "/v1/chat/completions", doc, nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if gotPath != "/v1/chat/completions" {
		t.Errorf("backend path = %q", gotPath)
	}
	if gotBody["model"] != "m" {
		t.Errorf("backend body = %v", gotBody)
	}
	if out["id"] != "x" || len(out) != 1 {
		t.Errorf("response = %v, want {id:x}", out)
	}
}

func TestEngine_Complete_BackendError(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "rate limited")
	}, Options{})

	_, err := e.Complete(context.Background(), "/v1/completions", translate.Document{}, nil)
	relayErr := AsError(err)
	if relayErr.Kind != KindBackend {
		t.Fatalf("kind = %v, want backend", relayErr.Kind)
	}
	if relayErr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", relayErr.Status)
	}
	if relayErr.Detail != "rate limited" {
		t.Errorf("detail = %q, want %q", relayErr.Detail, "rate limited")
	}
}

func TestEngine_Complete_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e := NewEngine(backend.NewClient(url), Options{})
	_, err := e.Complete(context.Background(), "/v1/chat/completions", translate.Document{}, nil)
	relayErr := AsError(err)
	if relayErr.Kind != KindTransport || relayErr.Status != http.StatusInternalServerError {
		t.Fatalf("got %v, want transport 500", relayErr)
	}
	if relayErr.Detail == "" {
		t.Error("expected failure description in detail")
	}
}

func TestEngine_Complete_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Options{GenerationTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := e.Complete(context.Background(), "/v1/chat/completions", translate.Document{}, nil)
	relayErr := AsError(err)
	if relayErr.Kind != KindTransport {
		t.Fatalf("kind = %v, want transport", relayErr.Kind)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestEngine_Complete_InvalidBackendJSON(t *testing.T) {
	for _, body := range []string{"<html>oops</html>", "null", "[1,2]"} {
		t.Run(body, func(t *testing.T) {
			e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, body)
			}, Options{})

			_, err := e.Complete(context.Background(), "/v1/chat/completions", translate.Document{}, nil)
			relayErr := AsError(err)
			if relayErr.Kind != KindTransport || relayErr.Status != http.StatusInternalServerError {
				t.Errorf("got %v, want transport 500", relayErr)
			}
		})
	}
}

type taggingTranslator struct{}

func (taggingTranslator) TranslateRequest(doc translate.Document) translate.Document {
	out := translate.Identity{}.TranslateRequest(doc)
	out["injected"] = true
	return out
}

func (taggingTranslator) TranslateResponse(doc translate.Document) translate.Document {
	out := translate.Identity{}.TranslateResponse(doc)
	out["translated"] = true
	return out
}

func TestEngine_Complete_UsesTranslator(t *testing.T) {
	var gotBody map[string]any
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, `{"id":"x"}`)
	}, Options{Translator: taggingTranslator{}})

	doc := translate.Document{"model": "m"}
	out, err := e.Complete(context.Background(), "/v1/chat/completions", doc, nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if gotBody["injected"] != true {
		t.Errorf("request translator not applied: %v", gotBody)
	}
	if out["translated"] != true {
		t.Errorf("response translator not applied: %v", out)
	}
	if _, ok := doc["injected"]; ok {
		t.Error("caller document mutated")
	}
}

func TestEngine_ListModels(t *testing.T) {
	t.Run("verbatim body", func(t *testing.T) {
		const body = `{"object":"list","data":[{"id":"meta/llama3-8b-instruct"}]}`
		var method string
		e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			io.WriteString(w, body)
		}, Options{})

		got, err := e.ListModels(context.Background(), nil)
		if err != nil {
			t.Fatalf("ListModels() error = %v", err)
		}
		if method != http.MethodGet {
			t.Errorf("method = %q", method)
		}
		if string(got) != body {
			t.Errorf("body = %s", got)
		}
	})

	t.Run("backend status", func(t *testing.T) {
		e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusServiceUnavailable)
		}, Options{})

		_, err := e.ListModels(context.Background(), nil)
		relayErr := AsError(err)
		if relayErr.Kind != KindBackend || relayErr.Status != http.StatusServiceUnavailable {
			t.Errorf("got %v", relayErr)
		}
		if !strings.Contains(relayErr.Detail, "upstream down") {
			t.Errorf("detail = %q", relayErr.Detail)
		}
	})
}

func TestEngine_Stream_ForwardsLines(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"a\":1}\n\ndata: {\"a\":2}\r\n\r\n")
		w.(http.Flusher).Flush()
		io.WriteString(w, "data: [DONE]\n\n")
	}, Options{})

	s, err := e.Stream(context.Background(), "/v1/chat/completions", translate.Document{"stream": true}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	var buf bytes.Buffer
	flushes := 0
	n, err := s.Forward(&buf, func() { flushes++ })
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	want := "data: {\"a\":1}\ndata: {\"a\":2}\ndata: [DONE]\n"
	if buf.String() != want {
		t.Errorf("forwarded %q, want %q", buf.String(), want)
	}
	if n != 3 || flushes != 3 {
		t.Errorf("lines = %d, flushes = %d, want 3/3", n, flushes)
	}
}

func TestEngine_Stream_IdleTimeoutResetsOnEachLine(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 6; i++ {
			fmt.Fprintf(w, "data: %d\n\n", i)
			flusher.Flush()
			time.Sleep(100 * time.Millisecond)
		}
	}, Options{GenerationTimeout: 300 * time.Millisecond})

	s, err := e.Stream(context.Background(), "/v1/chat/completions", translate.Document{"stream": true}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var buf bytes.Buffer
	n, err := s.Forward(&buf, nil)
	if err != nil {
		t.Fatalf("Forward() error = %v after %d lines", err, n)
	}
	if n != 6 {
		t.Errorf("lines = %d, want 6 (%q)", n, buf.String())
	}
}

func TestEngine_Stream_IdleTimeout(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, Options{GenerationTimeout: 100 * time.Millisecond})

	s, err := e.Stream(context.Background(), "/v1/chat/completions", translate.Document{"stream": true}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var buf bytes.Buffer
	n, err := s.Forward(&buf, nil)
	if n != 1 || buf.String() != "data: first\n" {
		t.Errorf("lines = %d, out = %q, want the first line only", n, buf.String())
	}
	relayErr := AsError(err)
	if relayErr.Kind != KindTransport {
		t.Fatalf("kind = %v, want transport", relayErr.Kind)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestEngine_Stream_HeaderTimeout(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, Options{GenerationTimeout: 50 * time.Millisecond})

	_, err := e.Stream(context.Background(), "/v1/chat/completions", translate.Document{"stream": true}, nil)
	relayErr := AsError(err)
	if relayErr.Kind != KindTransport {
		t.Fatalf("kind = %v, want transport", relayErr.Kind)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestEngine_Stream_BackendError(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"object":"error","message":"bad model"}`)
	}, Options{})

	_, err := e.Stream(context.Background(), "/v1/chat/completions", translate.Document{}, nil)
	relayErr := AsError(err)
	if relayErr.Kind != KindBackend || relayErr.Status != http.StatusBadRequest {
		t.Fatalf("got %v", relayErr)
	}
	if relayErr.Detail != `{"object":"error","message":"bad model"}` {
		t.Errorf("detail = %q", relayErr.Detail)
	}
}

func TestEngine_Stream_CancelClosesBackend(t *testing.T) {
	backendDone := make(chan struct{})
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		defer close(backendDone)
		io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := e.Stream(ctx, "/v1/chat/completions", translate.Document{}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := s.Forward(&buf, func() { cancel() })
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Forward did not return after cancellation")
	}

	select {
	case <-backendDone:
	case <-time.After(5 * time.Second):
		t.Fatal("backend connection not closed after cancellation")
	}
}

type failingWriter struct{ calls int32 }

func (f *failingWriter) Write(p []byte) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, errors.New("broken pipe")
}

func TestStream_Forward_WriteError(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			io.WriteString(w, "data: x\n")
		}
	}, Options{})

	s, err := e.Stream(context.Background(), "/v1/chat/completions", translate.Document{}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	fw := &failingWriter{}
	n, err := s.Forward(fw, nil)
	if err == nil {
		t.Fatal("expected write error")
	}
	if n != 0 || atomic.LoadInt32(&fw.calls) != 1 {
		t.Errorf("lines = %d, writes = %d, want stop after first write", n, fw.calls)
	}
}

func TestErrorEvent(t *testing.T) {
	got := string(ErrorEvent(`upstream said "no"`))
	if !strings.HasPrefix(got, "data: ") || !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("bad framing: %q", got)
	}

	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(got, "data: "), "\n\n")
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload.Error.Message != `upstream said "no"` || payload.Error.Type != "api_error" {
		t.Errorf("payload = %+v", payload)
	}
}
