package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/activity"
	"github.com/fitsync/fitsync/internal/platform"
)

// ListFunc fetches activity summaries from a platform, newest first.
type ListFunc func(ctx context.Context, accountID string, since time.Time, filter platform.Filter) ([]activity.Summary, error)

// Entry is a catalog row plus its 1-based human-readable index within the
// current listing snapshot. Indices are recomputed on every listing and
// never persisted; RemoteID is the durable identity.
type Entry struct {
	activity.Summary
	Index int
}

// IndexOutOfRangeError reports an --index beyond the filtered result set.
type IndexOutOfRangeError struct {
	Index int
	Count int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("index %d out of range, valid range is 1-%d", e.Index, e.Count)
}

// Catalog is the per-account activity metadata cache, backed by SQLite.
// Listings are cached as coverage ranges with a TTL; fingerprint lookups go
// through a rounded-timestamp bucket index instead of scanning the history.
type Catalog struct {
	db        *sql.DB
	lister    ListFunc
	ttl       time.Duration
	tolerance time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewCatalog wires a catalog over an open store. lister is invoked when a
// requested range has no fresh coverage.
func NewCatalog(db *sql.DB, lister ListFunc, ttl, tolerance time.Duration, log *zap.Logger) *Catalog {
	if tolerance <= 0 {
		tolerance = activity.DefaultTolerance
	}
	return &Catalog{
		db:        db,
		lister:    lister,
		ttl:       ttl,
		tolerance: tolerance,
		log:       log,
		now:       time.Now,
	}
}

// Tolerance returns the fingerprint tolerance the catalog indexes with.
func (c *Catalog) Tolerance() time.Duration { return c.tolerance }

// ListActivities returns the filtered catalog slice for one account,
// newest first with snapshot indices assigned, refreshing from the
// platform when no fresh coverage spans the requested range.
func (c *Catalog) ListActivities(ctx context.Context, accountID string, filter platform.Filter) ([]Entry, error) {
	now := c.now()
	start, end := rangeBounds(filter, now)

	// Open-ended requests record open-ended coverage so a fresh snapshot
	// keeps serving later open-ended listings until its TTL lapses.
	covEnd := end.Unix()
	if filter.EndDate.IsZero() {
		covEnd = openEndedCoverage
	}

	covered, err := c.covered(ctx, accountID, start.Unix(), covEnd, now)
	if err != nil {
		return nil, err
	}
	if !covered {
		if err := c.refresh(ctx, accountID, start, filter.EndDate, covEnd, now); err != nil {
			return nil, err
		}
	}

	return c.query(ctx, accountID, filter, start, end, now)
}

// ResolveIndex maps a 1-based snapshot index to its remote ID.
func (c *Catalog) ResolveIndex(ctx context.Context, accountID string, filter platform.Filter, index int) (string, error) {
	entries, err := c.ListActivities(ctx, accountID, filter)
	if err != nil {
		return "", err
	}
	if index < 1 || index > len(entries) {
		return "", &IndexOutOfRangeError{Index: index, Count: len(entries)}
	}
	return entries[index-1].RemoteID, nil
}

// FindByFingerprint looks up a matching activity in an account's cached
// catalog. It probes the fingerprint's bucket and both neighbors so
// matches within tolerance are found across bucket boundaries.
func (c *Catalog) FindByFingerprint(ctx context.Context, accountID string, fp activity.Fingerprint) (activity.Summary, bool, error) {
	buckets := fp.Buckets()
	rows, err := c.db.QueryContext(ctx, `
		SELECT remote_id, start_time, duration_s, activity_type, distance_m
		FROM activities
		WHERE account_id = ? AND activity_type = ? AND fp_bucket IN (?, ?, ?)`,
		accountID, string(fp.Type), buckets[0], buckets[1], buckets[2])
	if err != nil {
		return activity.Summary{}, false, fmt.Errorf("fingerprint lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sum, err := scanSummary(rows, accountID)
		if err != nil {
			return activity.Summary{}, false, err
		}
		if fp.Matches(sum) {
			return sum, true, nil
		}
	}
	return activity.Summary{}, false, rows.Err()
}

// Put upserts a single summary, used by the sync engine to make an upload
// visible to later conflict checks within the same run.
func (c *Catalog) Put(ctx context.Context, sum activity.Summary) error {
	return c.upsert(ctx, sum, c.now())
}

// Remove drops one catalog entry, used after a destination delete.
func (c *Catalog) Remove(ctx context.Context, accountID, remoteID string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM activities WHERE account_id = ? AND remote_id = ?`, accountID, remoteID)
	return err
}

// Invalidate drops all cached metadata for one account.
func (c *Catalog) Invalidate(ctx context.Context, accountID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM activities WHERE account_id = ?`, accountID); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM list_coverage WHERE account_id = ?`, accountID)
	return err
}

// Clear drops all cached metadata for every account.
func (c *Catalog) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM activities`); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM list_coverage`)
	return err
}

// openEndedCoverage is the range_end sentinel for listings with no upper
// bound.
const openEndedCoverage = int64(1) << 62

// covered reports whether a fresh coverage range spans [start, end].
func (c *Catalog) covered(ctx context.Context, accountID string, start, end int64, now time.Time) (bool, error) {
	cutoff := now.Add(-c.ttl).Unix()
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM list_coverage
		WHERE account_id = ? AND range_start <= ? AND range_end >= ? AND cached_at > ?`,
		accountID, start, end, cutoff).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking coverage: %w", err)
	}
	return n > 0, nil
}

// refresh pulls the range from the platform (unfiltered by type, so the
// coverage row is valid for any later filter) and merges it in.
func (c *Catalog) refresh(ctx context.Context, accountID string, start, end time.Time, covEnd int64, now time.Time) error {
	c.log.Debug("refreshing catalog",
		zap.String("account", accountID),
		zap.Time("start", start),
		zap.Time("end", end))

	sums, err := c.lister(ctx, accountID, start, platform.Filter{StartDate: start, EndDate: end})
	if err != nil {
		return err
	}

	for _, sum := range sums {
		if err := c.upsert(ctx, sum, now); err != nil {
			return err
		}
	}

	cutoff := now.Add(-c.ttl).Unix()
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM list_coverage WHERE account_id = ? AND cached_at <= ?`,
		accountID, cutoff); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM activities WHERE account_id = ? AND cached_at <= ?`,
		accountID, cutoff); err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO list_coverage (account_id, range_start, range_end, cached_at) VALUES (?, ?, ?, ?)`,
		accountID, start.Unix(), covEnd, now.Unix())
	return err
}

// upsert inserts or refreshes one row; an existing row is never replaced
// by older data.
func (c *Catalog) upsert(ctx context.Context, sum activity.Summary, now time.Time) error {
	fp := activity.NewFingerprint(sum, c.tolerance)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO activities (account_id, remote_id, start_time, duration_s, activity_type, distance_m, fp_bucket, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, remote_id) DO UPDATE SET
			start_time = excluded.start_time,
			duration_s = excluded.duration_s,
			activity_type = excluded.activity_type,
			distance_m = excluded.distance_m,
			fp_bucket = excluded.fp_bucket,
			cached_at = excluded.cached_at
		WHERE excluded.cached_at >= activities.cached_at`,
		sum.AccountID, sum.RemoteID, sum.StartTime.UTC().Unix(), int64(sum.Duration/time.Second),
		string(sum.Type), sum.Distance, fp.Bucket(), now.Unix())
	if err != nil {
		return fmt.Errorf("upserting activity %s/%s: %w", sum.AccountID, sum.RemoteID, err)
	}
	return nil
}

func (c *Catalog) query(ctx context.Context, accountID string, filter platform.Filter, start, end, now time.Time) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT remote_id, start_time, duration_s, activity_type, distance_m
		FROM activities
		WHERE account_id = ? AND start_time >= ? AND start_time <= ?
		ORDER BY start_time DESC`,
		accountID, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("querying activities: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		sum, err := scanSummary(rows, accountID)
		if err != nil {
			return nil, err
		}
		if !filter.MatchesType(sum.Type) {
			continue
		}
		entries = append(entries, Entry{Summary: sum})
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Stable snapshot order: newest first, ID as tiebreaker for equal
	// start times, then assign the 1-based indices.
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].StartTime.Equal(entries[j].StartTime) {
			return entries[i].StartTime.After(entries[j].StartTime)
		}
		return entries[i].RemoteID < entries[j].RemoteID
	})
	for i := range entries {
		entries[i].Index = i + 1
	}
	return entries, nil
}

func scanSummary(rows *sql.Rows, accountID string) (activity.Summary, error) {
	var (
		remoteID  string
		startUnix int64
		durationS int64
		actType   string
		distance  float64
	)
	if err := rows.Scan(&remoteID, &startUnix, &durationS, &actType, &distance); err != nil {
		return activity.Summary{}, fmt.Errorf("scanning activity: %w", err)
	}
	return activity.Summary{
		AccountID: accountID,
		RemoteID:  remoteID,
		StartTime: time.Unix(startUnix, 0).UTC(),
		Duration:  time.Duration(durationS) * time.Second,
		Type:      activity.Type(actType),
		Distance:  distance,
	}, nil
}

// rangeBounds resolves a filter to concrete bounds; an open start falls
// back to the unix epoch and an open end to now.
func rangeBounds(filter platform.Filter, now time.Time) (time.Time, time.Time) {
	start := filter.StartDate
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	end := filter.EndDate
	if end.IsZero() {
		end = now.UTC()
	}
	return start, end
}
