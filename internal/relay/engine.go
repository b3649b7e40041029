// Package relay forwards OpenAI-compatible requests to the backend, either as a
// buffered round trip or as a streamed line-by-line pass-through.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polyglot-llm/inference-relay/internal/backend"
	"github.com/polyglot-llm/inference-relay/internal/translate"
)

const (
	// ModelsPath is the backend path for the model listing.
	ModelsPath = "/v1/models"

	DefaultModelsTimeout     = 30 * time.Second
	DefaultGenerationTimeout = 60 * time.Second
)

// Options configures an Engine.
type Options struct {
	Translator        translate.Translator
	ModelsTimeout     time.Duration
	GenerationTimeout time.Duration
}

// Engine relays requests to a single backend. It holds no per-request state
// and is safe for concurrent use.
type Engine struct {
	client            *backend.Client
	translator        translate.Translator
	modelsTimeout     time.Duration
	generationTimeout time.Duration
}

// NewEngine creates an engine. Zero options fall back to the identity
// translator and the default timeouts.
func NewEngine(client *backend.Client, opts Options) *Engine {
	e := &Engine{
		client:            client,
		translator:        opts.Translator,
		modelsTimeout:     opts.ModelsTimeout,
		generationTimeout: opts.GenerationTimeout,
	}
	if e.translator == nil {
		e.translator = translate.Identity{}
	}
	if e.modelsTimeout <= 0 {
		e.modelsTimeout = DefaultModelsTimeout
	}
	if e.generationTimeout <= 0 {
		e.generationTimeout = DefaultGenerationTimeout
	}
	return e
}

// DecodeRequest parses an inbound body into a document. Anything other than a
// single JSON object yields a KindMalformedRequest error.
func DecodeRequest(r io.Reader) (translate.Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc translate.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, malformedRequest(err)
	}
	if doc == nil {
		return nil, malformedRequest(errors.New("body is null"))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformedRequest(errors.New("unexpected data after JSON object"))
	}
	return doc, nil
}

// ListModels fetches the backend model list and returns its body untouched.
func (e *Engine) ListModels(ctx context.Context, opts *backend.RequestOptions) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.modelsTimeout)
	defer cancel()

	resp, err := e.client.Get(ctx, ModelsPath, opts)
	if err != nil {
		return nil, transport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport(fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backendStatus(resp.StatusCode, body)
	}
	return body, nil
}

// Complete performs a buffered round trip and returns the translated response.
func (e *Engine) Complete(ctx context.Context, path string, doc translate.Document, opts *backend.RequestOptions) (translate.Document, error) {
	annotate(ctx, path, false)

	body, err := e.encodeRequest(doc)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.generationTimeout)
	defer cancel()

	resp, err := e.client.Post(ctx, path, body, opts)
	if err != nil {
		return nil, transport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport(fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backendStatus(resp.StatusCode, respBody)
	}

	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	var out translate.Document
	if err := dec.Decode(&out); err != nil {
		return nil, transport(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if out == nil {
		return nil, transport(errors.New("failed to unmarshal response: body is null"))
	}

	return e.translator.TranslateResponse(out), nil
}

// Stream opens a streamed call. The backend status is known when Stream
// returns and nothing has been written to the caller yet: a non-200 comes
// back as a KindBackend error carrying the full error body.
//
// The generation timeout bounds the wait for response headers and then each
// gap between reads, so a stream that keeps producing lines may run longer
// than the timeout. The returned Stream must be closed.
func (e *Engine) Stream(ctx context.Context, path string, doc translate.Document, opts *backend.RequestOptions) (*Stream, error) {
	annotate(ctx, path, true)

	body, err := e.encodeRequest(doc)
	if err != nil {
		return nil, err
	}

	timeout := e.generationTimeout
	ctx, cancel := context.WithCancelCause(ctx)
	idle := time.AfterFunc(timeout, func() {
		cancel(fmt.Errorf("no data from backend within %s: %w", timeout, context.DeadlineExceeded))
	})
	release := func() {
		idle.Stop()
		cancel(nil)
	}

	resp, err := e.client.Post(ctx, path, body, opts)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("request failed: %w", context.Cause(ctx))
		}
		release()
		return nil, transport(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer release()
		defer resp.Body.Close()
		errBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, transport(fmt.Errorf("failed to read error response: %w", err))
		}
		return nil, backendStatus(resp.StatusCode, errBody)
	}

	return newStream(ctx, cancel, idle, timeout, resp), nil
}

func (e *Engine) encodeRequest(doc translate.Document) ([]byte, error) {
	body, err := json.Marshal(e.translator.TranslateRequest(doc))
	if err != nil {
		return nil, transport(fmt.Errorf("failed to marshal request: %w", err))
	}
	return body, nil
}

func annotate(ctx context.Context, path string, stream bool) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("relay.path", path),
		attribute.Bool("relay.stream", stream),
	)
}
