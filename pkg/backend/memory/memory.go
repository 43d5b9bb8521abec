// Package memory provides an in-memory Backend for tests and dry runs.
package memory

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/systmms/asr/pkg/backend"
)

// Backend is an in-memory backend.Backend. It records how many calls each
// method received so tests can assert that no writes happened.
type Backend struct {
	name string

	mu       sync.RWMutex
	payloads map[string]backend.Payload
	metadata map[string]map[string]string

	// Errors forces a method to fail for a path. Keys are "<method>:<path>"
	// with method one of read, write, read-meta, write-meta, or "list" for
	// listing failures.
	Errors map[string]error

	reads, writes, metaReads, metaWrites atomic.Int64
}

// New creates an empty in-memory backend.
func New(name string) *Backend {
	if name == "" {
		name = "memory"
	}
	return &Backend{
		name:     name,
		payloads: make(map[string]backend.Payload),
		metadata: make(map[string]map[string]string),
		Errors:   make(map[string]error),
	}
}

func (b *Backend) Name() string { return b.name }

// Kind returns backend.KindMemory
func (b *Backend) Kind() backend.Kind { return backend.KindMemory }

// Seed stores a payload and raw metadata without counting as a write.
func (b *Backend) Seed(path string, payload backend.Payload, meta map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	path = backend.CleanPath(path)
	b.payloads[path] = payload.Clone()
	if meta != nil {
		b.metadata[path] = maps.Clone(meta)
	}
}

// RawMetadata returns the stored metadata strings for path.
func (b *Backend) RawMetadata(path string) map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.metadata[backend.CleanPath(path)])
}

// Writes returns the number of WritePayload plus WriteMetadata calls.
func (b *Backend) Writes() int64 { return b.writes.Load() + b.metaWrites.Load() }

// PayloadWrites returns the number of WritePayload calls.
func (b *Backend) PayloadWrites() int64 { return b.writes.Load() }

// MetadataWrites returns the number of WriteMetadata calls.
func (b *Backend) MetadataWrites() int64 { return b.metaWrites.Load() }

// Reads returns the number of ReadPayload plus ReadMetadata calls.
func (b *Backend) Reads() int64 { return b.reads.Load() + b.metaReads.Load() }

func (b *Backend) fail(method, path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.Errors[method+":"+path]
}

func (b *Backend) ReadPayload(ctx context.Context, path string) (backend.Payload, error) {
	b.reads.Add(1)
	path = backend.CleanPath(path)
	if err := ctx.Err(); err != nil {
		return nil, backend.MarkConnection(err)
	}
	if err := b.fail("read", path); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.payloads[path]
	if !ok {
		return nil, backend.NotFoundError{Backend: b.name, Path: path}
	}
	return p.Clone(), nil
}

func (b *Backend) WritePayload(ctx context.Context, path string, payload backend.Payload, merge bool) error {
	b.writes.Add(1)
	path = backend.CleanPath(path)
	if err := ctx.Err(); err != nil {
		return backend.MarkConnection(err)
	}
	if err := b.fail("write", path); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.payloads[path]; ok && merge {
		b.payloads[path] = existing.Merge(payload)
		return nil
	}
	b.payloads[path] = payload.Clone()
	return nil
}

func (b *Backend) ReadMetadata(ctx context.Context, path string) (backend.RotationMetadata, error) {
	b.metaReads.Add(1)
	path = backend.CleanPath(path)
	if err := ctx.Err(); err != nil {
		return backend.RotationMetadata{}, backend.MarkConnection(err)
	}
	if err := b.fail("read-meta", path); err != nil {
		return backend.RotationMetadata{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return backend.DecodeMetadata(b.metadata[path]), nil
}

func (b *Backend) WriteMetadata(ctx context.Context, path string, meta backend.RotationMetadata) error {
	b.metaWrites.Add(1)
	path = backend.CleanPath(path)
	if err := ctx.Err(); err != nil {
		return backend.MarkConnection(err)
	}
	if err := b.fail("write-meta", path); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := maps.Clone(b.metadata[path])
	if merged == nil {
		merged = make(map[string]string)
	}
	maps.Copy(merged, backend.EncodeMetadata(meta))
	b.metadata[path] = merged
	return nil
}

// List yields stored paths under prefix in lexical order.
func (b *Backend) List(ctx context.Context, prefix string) iter.Seq2[backend.SecretRef, error] {
	return func(yield func(backend.SecretRef, error) bool) {
		if err := b.fail("list", backend.CleanPath(prefix)); err != nil {
			yield(backend.SecretRef{}, err)
			return
		}
		b.mu.RLock()
		paths := slices.Sorted(maps.Keys(b.payloads))
		b.mu.RUnlock()
		for _, p := range paths {
			if err := ctx.Err(); err != nil {
				yield(backend.SecretRef{}, backend.MarkConnection(err))
				return
			}
			if !backend.HasPathPrefix(p, prefix) {
				continue
			}
			if !yield(backend.NewSecretRef(b.Kind(), p), nil) {
				return
			}
		}
	}
}

var _ backend.Backend = (*Backend)(nil)
