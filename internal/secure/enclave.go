package secure

import (
	"slices"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/cockroachdb/errors"
)

// ErrDestroyed is returned when a destroyed buffer is opened
var ErrDestroyed = errors.New("secure buffer destroyed")

// Buffer holds one secret value in an encrypted enclave
type Buffer struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// NewBuffer seals value into an enclave
func NewBuffer(value string) *Buffer {
	return NewBufferFromBytes([]byte(value))
}

// NewBufferFromBytes seals data into an enclave. memguard wipes data in
// the process, so callers must not reuse the slice.
func NewBufferFromBytes(data []byte) *Buffer {
	if len(data) == 0 {
		// memguard refuses empty enclaves
		return &Buffer{}
	}
	return &Buffer{enclave: memguard.NewEnclave(data)}
}

// Open decrypts the buffer. The caller must Destroy the returned
// LockedBuffer.
func (b *Buffer) Open() (*memguard.LockedBuffer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.destroyed {
		return nil, ErrDestroyed
	}
	if b.enclave == nil {
		return memguard.NewBuffer(0), nil
	}
	lb, err := b.enclave.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open secure buffer")
	}
	return lb, nil
}

// With decrypts the buffer for the duration of fn. The string passed to fn
// aliases locked memory and must not be retained.
func (b *Buffer) With(fn func(value string) error) error {
	lb, err := b.Open()
	if err != nil {
		return err
	}
	defer lb.Destroy()
	return fn(lb.String())
}

// Destroy drops the enclave. It is safe to call more than once.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enclave = nil
	b.destroyed = true
}

// Stash holds rotated values by secret path until they are consumed
type Stash struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
}

// NewStash creates an empty stash
func NewStash() *Stash {
	return &Stash{buffers: make(map[string]*Buffer)}
}

// Put seals value under path, replacing and destroying any earlier value
func (s *Stash) Put(path, value string) {
	buf := NewBuffer(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.buffers[path]; ok {
		old.Destroy()
	}
	s.buffers[path] = buf
}

// Get returns the buffer for path
func (s *Stash) Get(path string) (*Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[path]
	return buf, ok
}

// Paths lists the stashed paths in lexical order
func (s *Stash) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.buffers))
	for p := range s.buffers {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Len returns the number of stashed values
func (s *Stash) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

// Destroy wipes every stashed value
func (s *Stash) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, buf := range s.buffers {
		buf.Destroy()
		delete(s.buffers, p)
	}
}
