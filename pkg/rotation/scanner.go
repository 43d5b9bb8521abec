package rotation

import (
	"context"
	"iter"

	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/pkg/backend"
)

// Entry is one classified secret produced by a scan.
type Entry struct {
	Ref      backend.SecretRef
	Decision Decision
	Metadata backend.RotationMetadata

	// Err records a failure reading this secret's metadata. Other entries
	// are unaffected.
	Err error
}

// Failed reports whether the entry could not be classified.
func (e Entry) Failed() bool { return e.Err != nil }

// Scan lists every secret below prefix and classifies each one against the
// due check.
//
// The sequence is lazy and follows the backend's listing order, which is
// not guaranteed to be sorted. A failure on one secret is reported in that
// entry's Err and scanning continues. A listing failure is yielded as the
// sequence's error and ends it. Scans keep no cursor; re-run with the same
// prefix to start over.
func (e *Engine) Scan(ctx context.Context, prefix string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for ref, err := range e.backend.List(ctx, prefix) {
			if err != nil {
				yield(Entry{}, errors.Wrapf(err, "list %q", backend.CleanPath(prefix)))
				return
			}
			if !yield(e.classify(ctx, ref), nil) {
				return
			}
		}
	}
}

func (e *Engine) classify(ctx context.Context, ref backend.SecretRef) Entry {
	decision, meta, err := e.Check(ctx, ref.Path())
	if err != nil {
		e.logger.Warn("Failed to read metadata for %s: %v", ref.Path(), err)
		return Entry{Ref: ref, Err: err}
	}
	return Entry{Ref: ref, Decision: decision, Metadata: meta}
}
