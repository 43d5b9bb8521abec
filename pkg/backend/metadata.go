package backend

import (
	"maps"
	"strconv"
	"strings"
	"time"
)

// Canonical metadata keys. These names and encodings are shared with
// secrets flagged by earlier tooling and must not change.
const (
	KeyRotationEnabled = "rotation_enabled"
	KeyLastRotated     = "last_rotated"
	KeyRotationPeriod  = "rotation_period_months"
)

// Keys read from metadata when updating a rotation target.
const (
	KeyTargetUsername   = "target_username"
	KeyDatabaseUsername = "database_username"
)

// RotationMetadata is the rotation bookkeeping record stored alongside a
// secret.
//
// When Enabled is false, LastRotated and PeriodMonths are kept only as
// history and are ignored by the due check.
type RotationMetadata struct {
	Enabled bool

	// LastRotated is UTC with second precision. Nil when never recorded or
	// when the stored value could not be parsed.
	LastRotated *time.Time

	// PeriodMonths is nil when the default period applies.
	PeriodMonths *int

	// Extra holds non-rotation keys found in the native metadata, such as
	// target_username. It is written back unchanged.
	Extra map[string]string

	// Malformed lists canonical keys whose stored value failed to decode.
	Malformed []string
}

// Flagged returns a record for a newly flagged secret.
func Flagged(now time.Time, periodMonths int) RotationMetadata {
	ts := Timestamp(now)
	p := periodMonths
	return RotationMetadata{Enabled: true, LastRotated: &ts, PeriodMonths: &p}
}

// Timestamp normalizes t to UTC with second precision.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Period returns PeriodMonths, or def when unset.
func (m RotationMetadata) Period(def int) int {
	if m.PeriodMonths != nil && *m.PeriodMonths > 0 {
		return *m.PeriodMonths
	}
	return def
}

// WithLastRotated returns a copy of m with LastRotated set to now.
func (m RotationMetadata) WithLastRotated(now time.Time) RotationMetadata {
	ts := Timestamp(now)
	m.LastRotated = &ts
	m.Malformed = nil
	return m
}

// Lookup returns a non-rotation metadata value.
func (m RotationMetadata) Lookup(key string) (string, bool) {
	v, ok := m.Extra[key]
	return v, ok
}

// DecodeMetadata converts raw native metadata into a RotationMetadata.
// Missing keys yield the zero record. Values that fail to decode are left
// unset and reported in Malformed.
func DecodeMetadata(raw map[string]string) RotationMetadata {
	var m RotationMetadata
	for k, v := range raw {
		v = strings.TrimSpace(v)
		switch k {
		case KeyRotationEnabled:
			m.Enabled = strings.EqualFold(v, "true")
		case KeyLastRotated:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				m.Malformed = append(m.Malformed, k)
				continue
			}
			ts := Timestamp(t)
			m.LastRotated = &ts
		case KeyRotationPeriod:
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				m.Malformed = append(m.Malformed, k)
				continue
			}
			m.PeriodMonths = &n
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[k] = v
		}
	}
	return m
}

// EncodeMetadata converts m into canonical string keys. Extra keys are
// included; canonical keys take precedence on collision.
func EncodeMetadata(m RotationMetadata) map[string]string {
	out := make(map[string]string, len(m.Extra)+3)
	maps.Copy(out, m.Extra)
	out[KeyRotationEnabled] = strconv.FormatBool(m.Enabled)
	if m.LastRotated != nil {
		out[KeyLastRotated] = Timestamp(*m.LastRotated).Format(time.RFC3339)
	}
	if m.PeriodMonths != nil {
		out[KeyRotationPeriod] = strconv.Itoa(*m.PeriodMonths)
	}
	return out
}

// RotationKeys returns only the canonical entries of EncodeMetadata(m).
// Adapters whose native metadata is shared with unrelated tags write these
// and leave everything else alone.
func RotationKeys(m RotationMetadata) map[string]string {
	full := EncodeMetadata(m)
	out := make(map[string]string, 3)
	for _, k := range []string{KeyRotationEnabled, KeyLastRotated, KeyRotationPeriod} {
		if v, ok := full[k]; ok {
			out[k] = v
		}
	}
	return out
}
