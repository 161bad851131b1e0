package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/iago/reporting-back/internal/domain"
	"github.com/xeipuuv/gojsonschema"
)

// Meta carries correlation data for a single generation attempt.
type Meta struct {
	RequestID string
	Kind      string
	Requester domain.RequesterRef
}

// Output is what a generator hands back. Body is read exactly once.
type Output struct {
	Body        io.Reader
	Filename    string
	ContentType string
}

// Generator produces the artifact for one report kind.
type Generator interface {
	Generate(ctx context.Context, params map[string]any, meta Meta) (Output, error)
}

type GeneratorFunc func(ctx context.Context, params map[string]any, meta Meta) (Output, error)

func (f GeneratorFunc) Generate(ctx context.Context, params map[string]any, meta Meta) (Output, error) {
	return f(ctx, params, meta)
}

type Option func(*entry) error

// WithParamsSchema attaches a JSON schema used to validate params at submit time.
func WithParamsSchema(schema []byte) Option {
	return func(e *entry) error {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
		if err != nil {
			return fmt.Errorf("compile params schema: %w", err)
		}
		e.schema = compiled
		return nil
	}
}

func WithDescription(description string) Option {
	return func(e *entry) error {
		e.description = strings.TrimSpace(description)
		return nil
	}
}

type entry struct {
	generator   Generator
	schema      *gojsonschema.Schema
	description string
}

type KindInfo struct {
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	HasSchema   bool   `json:"has_schema"`
}

// Registry maps report kinds to generators. It is safe for concurrent use and
// accepts registrations at any point of the process lifetime.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register stores the generator for kind. A later registration for the same kind replaces it.
func (r *Registry) Register(kind string, generator Generator, opts ...Option) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("%w: kind is required", domain.ErrInvalidInput)
	}
	if generator == nil {
		return fmt.Errorf("%w: generator is required for kind %q", domain.ErrInvalidInput, kind)
	}

	e := entry{generator: generator}
	for _, opt := range opts {
		if err := opt(&e); err != nil {
			return fmt.Errorf("register kind %q: %w", kind, err)
		}
	}

	r.mu.Lock()
	r.entries[kind] = e
	r.mu.Unlock()
	return nil
}

func (r *Registry) Resolve(kind string) (Generator, error) {
	r.mu.RLock()
	e, ok := r.entries[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	return e.generator, nil
}

// ValidateParams resolves kind and checks params against its schema, if any.
func (r *Registry) ValidateParams(kind string, params map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	if e.schema == nil {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	result, err := e.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidParams, strings.Join(problems, "; "))
}

func (r *Registry) Kinds() []KindInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]KindInfo, 0, len(r.entries))
	for kind, e := range r.entries {
		kinds = append(kinds, KindInfo{
			Kind:        kind,
			Description: e.description,
			HasSchema:   e.schema != nil,
		})
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Kind < kinds[j].Kind })
	return kinds
}
