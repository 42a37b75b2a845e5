package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fitsync/fitsync/internal/platform"
)

// AuthFunc performs a fresh login for one account.
type AuthFunc func(ctx context.Context, accountID string) (platform.Session, error)

// SessionStore caches one session token per account, persisted as a JSON
// file under the auth directory so sessions survive between runs.
// Refreshes are single-flight per account: concurrent demand serializes
// into one login whose result all callers share.
type SessionStore struct {
	dir  string
	auth AuthFunc
	log  *zap.Logger
	now  func() time.Time

	sf singleflight.Group

	mu  sync.Mutex
	mem map[string]platform.Session
}

// NewSessionStore creates the auth directory if needed.
func NewSessionStore(dir string, auth AuthFunc, log *zap.Logger) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating auth directory: %w", err)
	}
	return &SessionStore{
		dir:  dir,
		auth: auth,
		log:  log,
		now:  time.Now,
		mem:  make(map[string]platform.Session),
	}, nil
}

// GetValidSession returns a fresh cached session or authenticates. An
// authentication failure is surfaced to the caller without retry; other
// accounts are unaffected.
func (s *SessionStore) GetValidSession(ctx context.Context, accountID string) (platform.Session, error) {
	if sess, ok := s.cached(accountID); ok {
		return sess, nil
	}

	v, err, _ := s.sf.Do(accountID, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have just
		// refreshed this account.
		if sess, ok := s.cached(accountID); ok {
			return sess, nil
		}

		sess, err := s.auth(ctx, accountID)
		if err != nil {
			return nil, err
		}
		sess.AccountID = accountID
		if sess.IssuedAt.IsZero() {
			sess.IssuedAt = s.now().UTC()
		}
		if err := s.persist(accountID, sess); err != nil {
			s.log.Warn("failed to persist session", zap.String("account", accountID), zap.Error(err))
		}
		s.mu.Lock()
		s.mem[accountID] = sess
		s.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return platform.Session{}, err
	}
	return v.(platform.Session), nil
}

// Invalidate forcibly expires the cached session, e.g. after a 401-class
// response from the platform.
func (s *SessionStore) Invalidate(accountID string) {
	s.mu.Lock()
	delete(s.mem, accountID)
	s.mu.Unlock()
	if err := os.Remove(s.path(accountID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("failed to remove session file", zap.String("account", accountID), zap.Error(err))
	}
}

// ClearAll drops every cached session (clear-cache --auth-only).
func (s *SessionStore) ClearAll() error {
	s.mu.Lock()
	s.mem = make(map[string]platform.Session)
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionStore) cached(accountID string) (platform.Session, bool) {
	now := s.now()

	s.mu.Lock()
	sess, ok := s.mem[accountID]
	s.mu.Unlock()
	if ok && !sess.Expired(now) {
		return sess, true
	}

	// Fall back to the persisted copy from an earlier run.
	data, err := os.ReadFile(s.path(accountID))
	if err != nil {
		return platform.Session{}, false
	}
	if err := json.Unmarshal(data, &sess); err != nil || sess.Expired(now) {
		return platform.Session{}, false
	}
	s.mu.Lock()
	s.mem[accountID] = sess
	s.mu.Unlock()
	return sess, true
}

func (s *SessionStore) persist(accountID string, sess platform.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".session-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(accountID))
}

func (s *SessionStore) path(accountID string) string {
	return filepath.Join(s.dir, accountID+".json")
}
