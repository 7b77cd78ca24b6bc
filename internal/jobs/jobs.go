// Package jobs decodes queued job payloads into runnable units of work.
//
// Payloads are stored as {"version":N,"data":{...}} next to a kind tag. A
// Registry maps each kind to a factory that understands the versions it has
// shipped. A payload without a version field is read as version 1 with the
// whole document as data.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"chatflow/internal/domain"
)

var (
	ErrUnknownKind        = errors.New("unknown job kind")
	ErrUnsupportedVersion = errors.New("unsupported payload version")
)

// Runnable is one decoded unit of work.
type Runnable interface {
	Run(ctx context.Context, jobID string) error
}

// Factory builds a Runnable from a payload version and its data.
type Factory func(version int, data json.RawMessage) (Runnable, error)

// Payload is the stored wire form of a job payload.
type Payload struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Encode wraps data in the versioned payload format.
func Encode(version int, data any) ([]byte, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode job data: %w", err)
	}
	return json.Marshal(Payload{Version: version, Data: raw})
}

func decodePayload(b []byte) (Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return Payload{}, fmt.Errorf("decode job payload: %w", err)
	}
	if _, ok := fields["version"]; !ok {
		return Payload{Version: 1, Data: bytes.Clone(b)}, nil
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("decode job payload: %w", err)
	}
	if len(p.Data) == 0 {
		p.Data = json.RawMessage(`{}`)
	}
	return p, nil
}

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Decode turns a stored payload into a Runnable for kind.
func (r *Registry) Decode(kind string, payload []byte) (Runnable, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	return f(p.Version, p.Data)
}

// Execute decodes and runs a claimed job.
func (r *Registry) Execute(ctx context.Context, job domain.Job) error {
	run, err := r.Decode(job.Kind, job.Payload)
	if err != nil {
		return err
	}
	return run.Run(ctx, job.ID)
}

// Versioned returns a Factory that accepts only the listed versions and
// decodes data into a fresh T before building the Runnable.
func Versioned[T any](build func(T) (Runnable, error), versions ...int) Factory {
	return func(version int, data json.RawMessage) (Runnable, error) {
		supported := false
		for _, v := range versions {
			if v == version {
				supported = true
				break
			}
		}
		if !supported {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode job data: %w", err)
		}
		return build(v)
	}
}
