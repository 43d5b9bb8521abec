package rotation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

// DefaultWorkers is the number of secrets processed concurrently in a batch.
const DefaultWorkers = 4

// DefaultCallTimeout bounds the work done for a single secret in a batch.
const DefaultCallTimeout = 30 * time.Second

// Outcome is the result of processing one secret in a batch.
type Outcome struct {
	Ref      backend.SecretRef
	Decision Decision

	// Rotated is set when the secret was rotated.
	Rotated *Result

	// Err is the failure for this secret, if any.
	Err      error
	Duration time.Duration

	index int
}

// Failed reports whether processing this secret failed.
func (o Outcome) Failed() bool { return o.Err != nil }

// Observer receives every outcome as soon as it is known. Calls may come
// from several goroutines.
type Observer interface {
	Observe(op string, o Outcome)
}

// Report collects the per-secret outcomes of a batch in listing order.
type Report struct {
	Outcomes []Outcome
}

// Due returns the outcomes classified as due.
func (r *Report) Due() []Outcome {
	return r.filter(func(o Outcome) bool { return o.Err == nil && o.Decision.Due })
}

// Rotated returns the outcomes that were rotated.
func (r *Report) Rotated() []Outcome {
	return r.filter(func(o Outcome) bool { return o.Rotated != nil })
}

// Failures returns the outcomes that failed.
func (r *Report) Failures() []Outcome {
	return r.filter(Outcome.Failed)
}

func (r *Report) filter(keep func(Outcome) bool) []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}

// Err summarizes every failure in the report, or returns nil.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, o := range r.Failures() {
		result = multierror.Append(result, errors.Wrap(o.Err, o.Ref.Path()))
	}
	return result.ErrorOrNil()
}

// Fatal reports whether any failure should make the run exit non-zero.
// Only authentication and connection failures count.
func (r *Report) Fatal() bool {
	for _, o := range r.Outcomes {
		if backend.IsFatalForBatch(o.Err) {
			return true
		}
	}
	return false
}

// Batch runs scans and automatic rotations over every secret below a
// prefix. Secrets are processed concurrently; each one gets its own
// deadline and a failure on one never cancels another.
type Batch struct {
	engine   *Engine
	workers  int
	timeout  time.Duration
	limiter  *rate.Limiter
	observer Observer
	logger   *logging.Logger
}

// BatchOption configures a Batch.
type BatchOption func(*Batch)

// WithWorkers sets the number of secrets processed at once.
func WithWorkers(n int) BatchOption {
	return func(b *Batch) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithCallTimeout sets the per-secret deadline. Expiry is reported as a
// connection failure for that secret.
func WithCallTimeout(d time.Duration) BatchOption {
	return func(b *Batch) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithRateLimit caps how many secrets per second are started.
func WithRateLimit(perSecond float64, burst int) BatchOption {
	return func(b *Batch) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) BatchOption {
	return func(b *Batch) { b.observer = o }
}

// NewBatch creates a batch runner on top of e.
func NewBatch(e *Engine, opts ...BatchOption) *Batch {
	b := &Batch{
		engine:  e,
		workers: DefaultWorkers,
		timeout: DefaultCallTimeout,
		logger:  e.logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scan classifies every secret below prefix.
func (b *Batch) Scan(ctx context.Context, prefix string) (*Report, error) {
	return b.run(ctx, "scan", prefix, func(ctx context.Context, ref backend.SecretRef) Outcome {
		entry := b.engine.classify(ctx, ref)
		return Outcome{Ref: ref, Decision: entry.Decision, Err: entry.Err}
	})
}

// AutoRotate rotates every due secret below prefix. In dry-run mode it
// only reports which secrets are due.
func (b *Batch) AutoRotate(ctx context.Context, prefix string, opts AutoOptions) (*Report, error) {
	return b.run(ctx, "auto", prefix, func(ctx context.Context, ref backend.SecretRef) Outcome {
		res, err := b.engine.AutoRotate(ctx, ref.Path(), opts)
		o := Outcome{Ref: ref, Err: err}
		if res != nil {
			o.Decision = res.Decision
			o.Rotated = res.Rotated
		}
		return o
	})
}

func (b *Batch) run(ctx context.Context, op, prefix string, work func(context.Context, backend.SecretRef) Outcome) (*Report, error) {
	var (
		mu       sync.Mutex
		outcomes []Outcome
		g        errgroup.Group
	)
	g.SetLimit(b.workers)

	record := func(o Outcome) {
		if b.observer != nil {
			b.observer.Observe(op, o)
		}
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}

	index := 0
	var listErr error
	for ref, err := range b.engine.backend.List(ctx, prefix) {
		if err != nil {
			listErr = errors.Wrapf(err, "list %q", backend.CleanPath(prefix))
			break
		}
		i := index
		index++

		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				record(Outcome{Ref: ref, Err: backend.MarkConnection(err), index: i})
				continue
			}
		}

		g.Go(func() error {
			start := time.Now()
			callCtx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()

			o := work(callCtx, ref)
			if o.Err != nil && callCtx.Err() != nil && backend.Classify(o.Err) != backend.ClassConnection {
				o.Err = backend.MarkConnection(errors.Wrapf(o.Err, "timed out after %s", b.timeout))
			}
			o.index = i
			o.Duration = time.Since(start)
			if o.Err != nil {
				b.logger.Error("Failed to %s %s: %v", op, ref.Path(), o.Err)
			}
			record(o)
			return nil
		})
	}
	// Workers always return nil; failures live in the outcomes.
	_ = g.Wait()

	slices.SortFunc(outcomes, func(a, b Outcome) int { return a.index - b.index })
	report := &Report{Outcomes: outcomes}
	if listErr != nil {
		return report, listErr
	}
	return report, nil
}

// Summary renders a one-line count of the report.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d secret(s): %d due, %d rotated, %d failed",
		len(r.Outcomes), len(r.Due()), len(r.Rotated()), len(r.Failures()))
}
