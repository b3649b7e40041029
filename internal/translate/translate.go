// Package translate holds the seam between the caller-facing OpenAI schema and
// the backend's schema. Today both sides speak the same dialect, so the only
// registered translator is the identity mapping.
package translate

import (
	"fmt"
	"maps"
	"sort"
	"sync"
)

// Document is an open-ended JSON object as decoded from a request or response body.
type Document map[string]any

// Translator maps documents between the caller's and the backend's shape.
// Implementations must be pure and must not return their input map.
type Translator interface {
	TranslateRequest(doc Document) Document
	TranslateResponse(doc Document) Document
}

// Identity passes documents through unchanged, returning shallow copies.
type Identity struct{}

func (Identity) TranslateRequest(doc Document) Document {
	return clone(doc)
}

func (Identity) TranslateResponse(doc Document) Document {
	return clone(doc)
}

func clone(doc Document) Document {
	if doc == nil {
		return Document{}
	}
	return maps.Clone(doc)
}

// StreamRequested reports whether the document asks for a streamed response.
// Anything other than a JSON true counts as false.
func (d Document) StreamRequested() bool {
	v, ok := d["stream"].(bool)
	return ok && v
}

var (
	mu          sync.RWMutex
	translators = map[string]Translator{
		"identity": Identity{},
	}
)

// Register makes a translator available under name. It replaces any previous
// registration with the same name.
func Register(name string, t Translator) {
	mu.Lock()
	defer mu.Unlock()
	translators[name] = t
}

// Lookup returns the translator registered under name.
func Lookup(name string) (Translator, error) {
	mu.RLock()
	defer mu.RUnlock()
	t, ok := translators[name]
	if !ok {
		return nil, fmt.Errorf("unknown translator %q", name)
	}
	return t, nil
}

// Names lists registered translators in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(translators))
	for name := range translators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
