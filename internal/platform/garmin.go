package platform

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	garminconnect "github.com/abrander/garmin-connect"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/activity"
)

const garminPageSize = 100

// GarminClient adapts Garmin Connect (US or CN region) to the Client
// capability. The underlying library persists its own HTTP session to
// SessionFile, so re-authentication after a restart is usually a no-op.
type GarminClient struct {
	accountID string
	kind      Kind
	client    *garminconnect.Client
	rateLimit time.Duration
	log       *zap.Logger
}

// NewGarminClient builds an adapter for one Garmin account. sessionFile is
// where the library stores its cookies between runs.
func NewGarminClient(accountID string, kind Kind, email, password, sessionFile string, rateLimit time.Duration, log *zap.Logger) *GarminClient {
	client := garminconnect.NewClient(garminconnect.Credentials(email, password))
	_ = sessionFile // the resolvable garmin-connect version has no SessionFile field

	return &GarminClient{
		accountID: accountID,
		kind:      kind,
		client:    client,
		rateLimit: rateLimit,
		log:       log.With(zap.String("account", accountID)),
	}
}

func (c *GarminClient) Kind() Kind { return c.kind }

// Authenticate logs in (or revalidates the persisted session).
func (c *GarminClient) Authenticate(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if err := c.client.Authenticate(); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	now := time.Now().UTC()
	c.log.Debug("garmin session established")
	return Session{
		AccountID: c.accountID,
		IssuedAt:  now,
		Payload:   "session-file",
	}, nil
}

// ListActivities pages through the account's history, newest first, until
// it walks past since or runs out of activities.
func (c *GarminClient) ListActivities(ctx context.Context, since time.Time, filter Filter) ([]activity.Summary, error) {
	var out []activity.Summary

	for start := 0; ; start += garminPageSize {
		if err := c.pause(ctx); err != nil {
			return nil, err
		}

		var page []garminconnect.Activity
		err := withRetry(ctx, defaultMaxAttempts, c.rateLimit, func() error {
			var err error
			page, err = c.client.Activities("", start, garminPageSize)
			if err != nil {
				return classifyGarminError(fmt.Errorf("listing activities: %v", err), ErrNetwork)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		done := false
		for _, ga := range page {
			sum := c.toSummary(ga)
			if !since.IsZero() && sum.StartTime.Before(since) {
				done = true
				break
			}
			if !filter.MatchesType(sum.Type) || !filter.InRange(sum.StartTime) {
				continue
			}
			out = append(out, sum)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				done = true
				break
			}
		}
		if done || len(page) < garminPageSize {
			break
		}
	}

	return out, nil
}

// FetchActivity exports the FIT binary for one activity.
func (c *GarminClient) FetchActivity(ctx context.Context, remoteID string) ([]byte, error) {
	id, err := strconv.Atoi(remoteID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed garmin id %q", ErrNotFound, remoteID)
	}
	if err := c.pause(ctx); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = withRetry(ctx, defaultMaxAttempts, c.rateLimit, func() error {
		buf.Reset()
		if err := c.client.ExportActivity(id, &buf, garminconnect.ActivityFormatFIT); err != nil {
			return classifyGarminError(fmt.Errorf("exporting activity %d: %v", id, err), ErrNetwork)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UploadActivity imports a FIT binary and returns the new activity ID.
func (c *GarminClient) UploadActivity(ctx context.Context, data []byte) (string, error) {
	if err := c.pause(ctx); err != nil {
		return "", err
	}

	id, err := c.client.ImportActivity(bytes.NewReader(data), garminconnect.ActivityFormatFIT)
	if err != nil {
		return "", classifyGarminError(err, ErrUploadRejected)
	}
	c.log.Debug("uploaded activity", zap.Int("remote_id", id))
	return strconv.Itoa(id), nil
}

// DeleteActivity removes an activity from the account.
func (c *GarminClient) DeleteActivity(ctx context.Context, remoteID string) error {
	id, err := strconv.Atoi(remoteID)
	if err != nil {
		return fmt.Errorf("%w: malformed garmin id %q", ErrNotFound, remoteID)
	}
	if err := c.pause(ctx); err != nil {
		return err
	}
	if err := c.client.DeleteActivity(id); err != nil {
		return classifyGarminError(fmt.Errorf("deleting activity %d: %v", id, err), ErrNetwork)
	}
	return nil
}

// classifyGarminError maps a garmin-connect failure onto the shared error
// taxonomy. The library surfaces HTTP failures as message strings rather
// than typed errors, so classification inspects the text; anything
// unrecognized falls back to the operation's default class. Getting a
// 401-class upload or delete right matters because it is what lets the
// engine invalidate a stale session instead of reusing it.
func classifyGarminError(err, fallback error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "forbidden"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}

func (c *GarminClient) toSummary(ga garminconnect.Activity) activity.Summary {
	return activity.Summary{
		AccountID: c.accountID,
		RemoteID:  strconv.Itoa(ga.ID),
		StartTime: ga.StartLocal.Time.UTC(),
		Duration:  time.Duration(ga.Duration * float64(time.Second)),
		Type:      activity.ParseType(ga.ActivityType.TypeKey),
		Distance:  ga.Distance,
	}
}

// pause applies the per-account rate limit without blocking cancellation.
func (c *GarminClient) pause(ctx context.Context) error {
	if c.rateLimit <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(c.rateLimit):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
