package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fitsync/fitsync/internal/activity"
)

// FetchFunc downloads the binary payload of one activity from its platform.
type FetchFunc func(ctx context.Context, accountID, remoteID string) ([]byte, error)

// FileCache is the content store for downloaded activity binaries. Files
// are laid out for human browsing as {type}/{date}/{date}_{type}_{seq}.fit
// rather than by opaque remote ID; a side index in the catalog database
// maps (accountID, remoteID) to the published path. Writes go to a temp
// file and are renamed into place, so an interrupted download never leaves
// a path the cache would treat as valid.
type FileCache struct {
	dir   string
	db    *sql.DB
	fetch FetchFunc
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time

	sf singleflight.Group
}

// NewFileCache creates the file directory if needed.
func NewFileCache(dir string, db *sql.DB, fetch FetchFunc, ttl time.Duration, log *zap.Logger) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating file cache directory: %w", err)
	}
	return &FileCache{
		dir:   dir,
		db:    db,
		fetch: fetch,
		ttl:   ttl,
		log:   log,
		now:   time.Now,
	}, nil
}

// GetOrFetch returns the local path of the activity's binary, downloading
// it first if absent. Concurrent calls for the same activity collapse into
// one fetch. A missing or empty file behind an index entry is treated as
// corrupt and re-fetched.
func (f *FileCache) GetOrFetch(ctx context.Context, sum activity.Summary) (string, error) {
	key := sum.AccountID + "/" + sum.RemoteID
	v, err, _ := f.sf.Do(key, func() (any, error) {
		if path, ok := f.lookup(ctx, sum.AccountID, sum.RemoteID); ok {
			return path, nil
		}

		data, err := f.fetch(ctx, sum.AccountID, sum.RemoteID)
		if err != nil {
			return "", err
		}

		path, err := f.publish(sum, data)
		if err != nil {
			return "", err
		}
		if err := f.record(ctx, sum.AccountID, sum.RemoteID, path); err != nil {
			return "", err
		}
		f.log.Debug("cached activity binary",
			zap.String("account", sum.AccountID),
			zap.String("remote_id", sum.RemoteID),
			zap.String("path", path))
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// EvictOlderThan removes binaries whose index entry exceeded maxAge.
func (f *FileCache) EvictOlderThan(ctx context.Context, maxAge time.Duration) error {
	cutoff := f.now().Add(-maxAge).Unix()
	rows, err := f.db.QueryContext(ctx,
		`SELECT account_id, remote_id, path FROM file_index WHERE cached_at <= ?`, cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()

	type victim struct{ account, remote, path string }
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.account, &v.remote, &v.path); err != nil {
			return err
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, v := range victims {
		if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if _, err := f.db.ExecContext(ctx,
			`DELETE FROM file_index WHERE account_id = ? AND remote_id = ?`, v.account, v.remote); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every cached binary and the side index.
func (f *FileCache) Clear(ctx context.Context) error {
	if _, err := f.db.ExecContext(ctx, `DELETE FROM file_index`); err != nil {
		return err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(f.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// lookup consults the side index and validates the file behind it.
func (f *FileCache) lookup(ctx context.Context, accountID, remoteID string) (string, bool) {
	var path string
	err := f.db.QueryRowContext(ctx,
		`SELECT path FROM file_index WHERE account_id = ? AND remote_id = ?`,
		accountID, remoteID).Scan(&path)
	if err != nil {
		return "", false
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		// Corrupt or vanished; drop the entry and re-fetch.
		f.log.Warn("cached binary unreadable, re-fetching",
			zap.String("account", accountID),
			zap.String("remote_id", remoteID),
			zap.String("path", path))
		_, _ = f.db.ExecContext(ctx,
			`DELETE FROM file_index WHERE account_id = ? AND remote_id = ?`, accountID, remoteID)
		_ = os.Remove(path)
		return "", false
	}
	return path, true
}

// publish writes data to a temp file and links it into the first free
// deterministic slot for the activity's type and date. os.Link fails when
// the destination exists, so claiming a slot is atomic even across
// processes; collisions move to the next sequence suffix, never an
// overwrite.
func (f *FileCache) publish(sum activity.Summary, data []byte) (string, error) {
	date := sum.StartTime.UTC().Format("2006-01-02")
	destDir := filepath.Join(f.dir, string(sum.Type), date)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", destDir, err)
	}

	tmp, err := os.CreateTemp(destDir, ".fit-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	for seq := 1; ; seq++ {
		name := fmt.Sprintf("%s_%s_%d.fit", date, sum.Type, seq)
		dest := filepath.Join(destDir, name)
		err := os.Link(tmp.Name(), dest)
		if err == nil {
			return dest, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
}

func (f *FileCache) record(ctx context.Context, accountID, remoteID, path string) error {
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO file_index (account_id, remote_id, path, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, remote_id) DO UPDATE SET
			path = excluded.path,
			cached_at = excluded.cached_at`,
		accountID, remoteID, path, f.now().Unix())
	return err
}
