// Package platform defines the capability interface every fitness platform
// adapter implements, plus the adapter implementations for Garmin (US and
// China) and Coros (China). The sync core only ever sees the Client
// interface; adding a platform means adding one implementation here.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/fitsync/fitsync/internal/activity"
)

// Kind tags the platform variant behind an account.
type Kind string

const (
	GarminUS Kind = "garmin_us"
	GarminCN Kind = "garmin_cn"
	CorosCN  Kind = "coros_cn"
)

// ParseKind validates a platform name from configuration.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case GarminUS, GarminCN, CorosCN:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// DefaultSessionTTL is assumed for sessions whose expiry the platform does
// not report.
const DefaultSessionTTL = 30 * time.Minute

// Session is the opaque authentication artifact for one account.
type Session struct {
	AccountID string    `json:"account_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero if the platform did not say
	Payload   string    `json:"payload,omitempty"`
}

// Expired reports whether the session can no longer be used at now.
func (s Session) Expired(now time.Time) bool {
	exp := s.ExpiresAt
	if exp.IsZero() {
		exp = s.IssuedAt.Add(DefaultSessionTTL)
	}
	return !now.Before(exp)
}

// Filter narrows an activity listing. Zero fields mean unbounded.
type Filter struct {
	Types     []activity.Type
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// MatchesType reports whether t passes the type filter (empty = all types).
func (f Filter) MatchesType(t activity.Type) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, ft := range f.Types {
		if ft == t {
			return true
		}
	}
	return false
}

// InRange reports whether ts falls within the filter's date range.
func (f Filter) InRange(ts time.Time) bool {
	if !f.StartDate.IsZero() && ts.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && ts.After(f.EndDate) {
		return false
	}
	return true
}

// SessionRestorer is implemented by adapters that can reuse a cached
// session instead of logging in again. Adapters that persist their own
// session state (Garmin) do not need it.
type SessionRestorer interface {
	RestoreSession(Session)
}

// Restore hands a cached session to the client when it supports reuse.
func Restore(c Client, s Session) {
	if r, ok := c.(SessionRestorer); ok {
		r.RestoreSession(s)
	}
}

// Client is the uniform capability every platform adapter provides.
// Implementations own their transport, timeouts and bounded retry on
// transient failures; callers classify errors via the sentinel errors in
// this package.
type Client interface {
	Kind() Kind
	// Authenticate performs a fresh login and returns the resulting session.
	Authenticate(ctx context.Context) (Session, error)
	// ListActivities returns summaries of activities started at or after
	// since, newest first, honoring the filter.
	ListActivities(ctx context.Context, since time.Time, filter Filter) ([]activity.Summary, error)
	// FetchActivity downloads the binary (FIT) payload of one activity.
	FetchActivity(ctx context.Context, remoteID string) ([]byte, error)
	// UploadActivity pushes a binary payload and returns the new remote ID.
	UploadActivity(ctx context.Context, data []byte) (string, error)
	// DeleteActivity removes an activity; needed for replace semantics.
	DeleteActivity(ctx context.Context, remoteID string) error
}
