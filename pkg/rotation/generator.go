package rotation

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/pkg/backend"
)

// DefaultLength is the length of generated secrets when none is configured.
const DefaultLength = 32

// Alphabet is the set of characters generated secrets are drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*"

// Generator produces uniformly distributed random strings over Alphabet.
type Generator struct {
	source io.Reader
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{source: rand.Reader}
}

// NewGeneratorFromReader returns a generator reading randomness from r.
// r must be a cryptographically secure source outside of tests.
func NewGeneratorFromReader(r io.Reader) *Generator {
	return &Generator{source: r}
}

// Generate returns a random string of exactly length characters.
//
// Bytes are drawn with rejection sampling so every symbol is equally
// likely. A failing random source is reported as ErrEntropy; there is no
// fallback to a weaker source.
func (g *Generator) Generate(length int) (string, error) {
	if length <= 0 {
		return "", backend.MarkConfig(fmt.Errorf("secret length must be positive, got %d", length))
	}

	n := len(Alphabet)
	// Largest multiple of n that fits in a byte; bytes at or above it are
	// rejected to avoid modulo bias.
	limit := 256 - (256 % n)

	out := make([]byte, 0, length)
	buf := make([]byte, length+length/2)
	for len(out) < length {
		if _, err := io.ReadFull(g.source, buf); err != nil {
			return "", backend.MarkEntropy(errors.Wrap(err, "reading secure random source"))
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, Alphabet[int(b)%n])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// Generate returns a random secret from the system's secure random source.
func Generate(length int) (string, error) {
	return NewGenerator().Generate(length)
}
