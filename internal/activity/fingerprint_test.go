package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summaryAt(t time.Time, dur time.Duration, typ Type) Summary {
	return Summary{
		AccountID: "garmin_us",
		RemoteID:  "123",
		StartTime: t,
		Duration:  dur,
		Type:      typ,
	}
}

func TestFingerprintMatchesWithinTolerance(t *testing.T) {
	base := time.Date(2023, 3, 1, 8, 0, 0, 0, time.UTC)
	tol := 2 * time.Minute

	a := summaryAt(base, 30*time.Minute, Running)
	b := summaryAt(base.Add(90*time.Second), 30*time.Minute+45*time.Second, Running)
	b.AccountID = "garmin_cn"
	b.RemoteID = "COROS_9f3a"

	fa := NewFingerprint(a, tol)
	fb := NewFingerprint(b, tol)

	// Symmetric: which account the activity came from does not matter.
	assert.True(t, fa.Matches(b))
	assert.True(t, fb.Matches(a))
}

func TestFingerprintRejectsOutsideTolerance(t *testing.T) {
	base := time.Date(2023, 3, 1, 8, 0, 0, 0, time.UTC)
	tol := 2 * time.Minute

	a := summaryAt(base, 30*time.Minute, Running)

	tooLate := summaryAt(base.Add(tol+time.Second), 30*time.Minute, Running)
	assert.False(t, NewFingerprint(a, tol).Matches(tooLate))

	wrongDuration := summaryAt(base, 30*time.Minute+tol+time.Second, Running)
	assert.False(t, NewFingerprint(a, tol).Matches(wrongDuration))

	wrongType := summaryAt(base, 30*time.Minute, Cycling)
	assert.False(t, NewFingerprint(a, tol).Matches(wrongType))
}

func TestFingerprintToleranceBoundary(t *testing.T) {
	base := time.Date(2023, 3, 1, 8, 0, 0, 0, time.UTC)
	tol := 2 * time.Minute

	a := summaryAt(base, 30*time.Minute, Running)
	exactlyAtTolerance := summaryAt(base.Add(tol), 30*time.Minute, Running)

	assert.True(t, NewFingerprint(a, tol).Matches(exactlyAtTolerance))
}

func TestFingerprintBucketsCoverNeighbors(t *testing.T) {
	tol := 2 * time.Minute
	// Start one second before a bucket boundary; a match one second later
	// lands in the next bucket but must still be reachable.
	boundary := time.Unix(int64(tol/time.Second)*1000, 0).UTC()
	a := summaryAt(boundary.Add(-time.Second), 30*time.Minute, Running)
	b := summaryAt(boundary.Add(time.Second), 30*time.Minute, Running)

	fa := NewFingerprint(a, tol)
	fb := NewFingerprint(b, tol)
	require.NotEqual(t, fa.Bucket(), fb.Bucket())

	assert.Contains(t, fa.Buckets(), fb.Bucket())
	assert.True(t, fa.Matches(b))
}

func TestParseType(t *testing.T) {
	assert.Equal(t, Running, ParseType("Running"))
	assert.Equal(t, Running, ParseType("treadmill_running"))
	assert.Equal(t, Cycling, ParseType("ride"))
	assert.Equal(t, TrailRunning, ParseType("trail_run"))
	assert.Equal(t, Other, ParseType(""))
	// Unknown platform types round-trip lowercased.
	assert.Equal(t, Type("skateboarding"), ParseType("Skateboarding"))
}
