package rotation

import (
	"fmt"
	"time"

	"github.com/systmms/asr/pkg/backend"
)

// DefaultPeriodMonths applies when neither the secret nor the configuration
// names a rotation period.
const DefaultPeriodMonths = 6

// Skip reasons reported by CheckDue.
const (
	ReasonNotFlagged  = "rotation not enabled"
	ReasonNotDue      = "not due yet"
	ReasonNoTimestamp = "no last_rotated timestamp recorded"
	ReasonBadStamp    = "last_rotated timestamp could not be parsed"
	ReasonElapsed     = "rotation period elapsed"
)

// Decision is the outcome of a due check. It is computed fresh on every
// scan and never persisted.
type Decision struct {
	Due    bool
	Reason string

	// NextDue is when the secret becomes due. Zero when unknown.
	NextDue time.Time
}

func (d Decision) String() string {
	if d.Due {
		return "due: " + d.Reason
	}
	if !d.NextDue.IsZero() {
		return fmt.Sprintf("skip: %s (due %s)", d.Reason, d.NextDue.Format(time.RFC3339))
	}
	return "skip: " + d.Reason
}

// AddMonths adds whole calendar months to t. When the day of month does
// not exist in the resulting month it is clamped to that month's last day,
// so Jan 31 + 1 month is Feb 28 (or Feb 29 in a leap year).
func AddMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	ty, tm, _ := first.Date()
	if last := daysIn(ty, tm, t.Location()); d > last {
		d = last
	}
	return time.Date(ty, tm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// CheckDue decides whether a secret is due for rotation at now.
//
// Unflagged records are never due. A flagged record without a usable
// last_rotated timestamp is due. Otherwise the secret is due once now
// reaches last_rotated plus the period in calendar months.
func CheckDue(meta backend.RotationMetadata, now time.Time, defaultPeriod int) Decision {
	if !meta.Enabled {
		return Decision{Reason: ReasonNotFlagged}
	}
	if meta.LastRotated == nil {
		for _, k := range meta.Malformed {
			if k == backend.KeyLastRotated {
				return Decision{Due: true, Reason: ReasonBadStamp}
			}
		}
		return Decision{Due: true, Reason: ReasonNoTimestamp}
	}
	if defaultPeriod <= 0 {
		defaultPeriod = DefaultPeriodMonths
	}

	next := AddMonths(meta.LastRotated.UTC(), meta.Period(defaultPeriod))
	if !now.Before(next) {
		return Decision{Due: true, Reason: ReasonElapsed, NextDue: next}
	}
	return Decision{Reason: ReasonNotDue, NextDue: next}
}
