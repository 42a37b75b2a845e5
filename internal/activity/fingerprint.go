package activity

import (
	"fmt"
	"time"
)

// DefaultTolerance is the clock-skew window within which two platforms are
// assumed to report the same activity.
const DefaultTolerance = 2 * time.Minute

// Fingerprint identifies "the same real-world activity" across accounts.
// Platforms assign unrelated opaque IDs, so identity is derived from start
// time, duration and type, each compared within a tolerance window.
type Fingerprint struct {
	Type      Type
	Start     time.Time
	Duration  time.Duration
	Tolerance time.Duration
}

// NewFingerprint derives the fingerprint of a summary.
func NewFingerprint(s Summary, tolerance time.Duration) Fingerprint {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return Fingerprint{
		Type:      s.Type,
		Start:     s.StartTime.UTC(),
		Duration:  s.Duration,
		Tolerance: tolerance,
	}
}

// Bucket returns the rounded-timestamp bucket the fingerprint falls in.
// Catalogs index on this to avoid linear scans over large histories.
func (f Fingerprint) Bucket() int64 {
	return f.Start.Unix() / int64(f.Tolerance/time.Second)
}

// Buckets returns the bucket and its neighbors. A candidate within the
// tolerance window can land one bucket over, so lookups must probe all
// three before the exact comparison in Matches.
func (f Fingerprint) Buckets() []int64 {
	b := f.Bucket()
	return []int64{b - 1, b, b + 1}
}

// Matches reports whether s is the same real-world activity. The comparison
// is symmetric: Matches(a)(b) == Matches(b)(a) for any pair of summaries.
func (f Fingerprint) Matches(s Summary) bool {
	if f.Type != s.Type {
		return false
	}
	if absDuration(f.Start.Sub(s.StartTime)) > f.Tolerance {
		return false
	}
	return absDuration(f.Duration-s.Duration) <= f.Tolerance
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s/%s/%s", f.Type, f.Start.UTC().Format(time.RFC3339), f.Duration)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
