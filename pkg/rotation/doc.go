// Package rotation implements the rotation engine for asr.
//
// The engine decides when a secret is due, generates replacement values and
// drives the flag → scan → rotate sequence against any backend.Backend. It
// owns no persistent state: rotation bookkeeping lives in the backend's
// native metadata and every decision is recomputed from fresh reads.
//
// # Architecture Overview
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                  CLI Commands                               │
//	│               (cmd/asr/commands/)                           │
//	└─────────────────────────┬───────────────────────────────────┘
//	                          │
//	┌─────────────────────────▼───────────────────────────────────┐
//	│     Batch (errgroup workers, per-secret timeout, limiter)   │
//	└─────────────────────────┬───────────────────────────────────┘
//	                          │
//	┌─────────────────────────▼───────────────────────────────────┐
//	│   Engine: Flag / Unflag / Check / Rotate / AutoRotate / Scan│
//	│                    (pkg/rotation/)               ◄──────────┤
//	└──────────┬───────────────────────────────────┬──────────────┘
//	           │                                   │
//	┌──────────▼──────────┐             ┌──────────▼──────────────┐
//	│   backend.Backend   │             │  Target (optional)      │
//	│  (pkg/backend/)     │             │  (internal/targets/)    │
//	└─────────────────────┘             └─────────────────────────┘
//
// # State Machine
//
// Each secret is Unflagged, Flagged or Due:
//
//	Unflagged ──flag──▶ Flagged(period, last_rotated)
//	Flagged   ──time──▶ Due          when now ≥ last_rotated + period
//	Due       ──rotate─▶ Flagged     last_rotated = now
//
// The due check is a pure function, CheckDue. Periods are calendar months;
// when the day of month does not exist in the target month it is clamped
// to the last day (Jan 31 + 1 month = Feb 28/29).
//
// # Rotation Order
//
// Rotate performs, in order:
//
//  1. read the current payload (missing secrets are not created)
//  2. generate a new value
//  3. merge-write the value into the configured field
//  4. update and verify the optional target
//  5. write metadata with last_rotated = now
//
// A failure stops the sequence, so metadata is only advanced once the new
// value is stored and the target accepted it.
//
// # Batches
//
// Batch runs Scan and AutoRotate over a prefix with bounded concurrency.
// Outcomes are reported in listing order regardless of completion order. A
// failure on one secret is recorded in its Outcome and never affects the
// others; only authentication and connection failures make Report.Fatal
// true.
package rotation
