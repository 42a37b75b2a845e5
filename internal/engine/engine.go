// Package engine drives the cross-account synchronization: for every rule
// it pulls candidates from the source catalog, fingerprints them, detects
// conflicts against the destination catalog and applies the configured
// conflict strategy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fitsync/fitsync/internal/activity"
	"github.com/fitsync/fitsync/internal/cache"
	"github.com/fitsync/fitsync/internal/platform"
)

// ConflictStrategy decides what happens when the destination already has a
// fingerprint-matching activity.
type ConflictStrategy string

const (
	SkipExisting    ConflictStrategy = "skip_existing"
	ReplaceExisting ConflictStrategy = "replace_existing"
)

// ParseConflictStrategy validates a strategy name from configuration.
// Empty defaults to SkipExisting.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(s) {
	case SkipExisting, ReplaceExisting:
		return ConflictStrategy(s), nil
	case "":
		return SkipExisting, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Rule is one resolved, immutable source → destination sync rule.
type Rule struct {
	Source      string
	Destination string
	Types       []activity.Type
	StartDate   time.Time
	EndDate     time.Time
	Strategy    ConflictStrategy
}

// Clients resolves an account ID to its platform adapter.
type Clients interface {
	Client(accountID string) (platform.Client, error)
}

// Engine orchestrates sync runs over the shared cache tiers.
type Engine struct {
	clients     Clients
	sessions    *cache.SessionStore
	catalog     *cache.Catalog
	files       *cache.FileCache
	tolerance   time.Duration
	maxParallel int
	log         *zap.Logger
}

// New wires an engine. maxParallel bounds how many rules run concurrently;
// candidates within a rule are always processed sequentially, oldest
// first, so re-running a partially failed sync replays in the same order.
func New(clients Clients, sessions *cache.SessionStore, catalog *cache.Catalog, files *cache.FileCache, maxParallel int, log *zap.Logger) *Engine {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Engine{
		clients:     clients,
		sessions:    sessions,
		catalog:     catalog,
		files:       files,
		tolerance:   catalog.Tolerance(),
		maxParallel: maxParallel,
		log:         log,
	}
}

// Run executes every rule and aggregates the outcomes. Rule failures are
// isolated: one rule's error never aborts the others, and one activity's
// failure never aborts its rule. Cancellation stops launching new uploads;
// the activity in flight finishes or aborts cleanly.
func (e *Engine) Run(ctx context.Context, rules []Rule, dryRun, force bool) *Report {
	report := &Report{}
	var mu sync.Mutex

	g := &errgroup.Group{}
	g.SetLimit(e.maxParallel)

	for _, rule := range rules {
		rule := rule
		g.Go(func() error {
			results, err := e.syncRule(ctx, rule, dryRun, force)
			mu.Lock()
			report.Results = append(report.Results, results...)
			if err != nil {
				report.RuleErrors = append(report.RuleErrors, RuleError{Rule: rule, Err: err})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.log.Info("sync run finished",
		zap.Int("rules", len(rules)),
		zap.Int("uploaded", report.Uploaded()),
		zap.Int("replaced", report.Replaced()),
		zap.Int("skipped", report.Skipped()),
		zap.Int("failed", report.Failed()))
	return report
}

func (e *Engine) syncRule(ctx context.Context, rule Rule, dryRun, force bool) ([]Result, error) {
	log := e.log.With(zap.String("source", rule.Source), zap.String("destination", rule.Destination))

	// Session acquisition failure aborts only this rule.
	if _, err := e.sessions.GetValidSession(ctx, rule.Source); err != nil {
		return nil, fmt.Errorf("source session: %w", err)
	}
	destSess, err := e.sessions.GetValidSession(ctx, rule.Destination)
	if err != nil {
		return nil, fmt.Errorf("destination session: %w", err)
	}

	filter := platform.Filter{Types: rule.Types, StartDate: rule.StartDate, EndDate: rule.EndDate}
	candidates, err := e.catalog.ListActivities(ctx, rule.Source, filter)
	if err != nil {
		return nil, fmt.Errorf("listing source activities: %w", err)
	}

	// Warm the destination catalog over a window widened by the tolerance
	// so boundary activities are visible to the fingerprint checks.
	destFilter := platform.Filter{StartDate: widenStart(rule.StartDate, e.tolerance)}
	if !rule.EndDate.IsZero() {
		destFilter.EndDate = rule.EndDate.Add(e.tolerance)
	}
	if _, err := e.catalog.ListActivities(ctx, rule.Destination, destFilter); err != nil {
		return nil, fmt.Errorf("listing destination activities: %w", err)
	}

	destClient, err := e.clients.Client(rule.Destination)
	if err != nil {
		return nil, err
	}
	platform.Restore(destClient, destSess)

	log.Info("processing sync rule", zap.Int("candidates", len(candidates)))

	var results []Result
	// Oldest first for deterministic replay; listings come newest first.
	for i := len(candidates) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return results, fmt.Errorf("run canceled: %w", ctx.Err())
		}
		results = append(results, e.syncOne(ctx, rule, candidates[i].Summary, destClient, dryRun, force))
	}
	return results, nil
}

// syncOne applies the conflict policy to a single candidate. Any error is
// absorbed into a Failed result so the remaining candidates still run.
func (e *Engine) syncOne(ctx context.Context, rule Rule, src activity.Summary, destClient platform.Client, dryRun, force bool) Result {
	res := Result{
		Source:         rule.Source,
		Destination:    rule.Destination,
		SourceRemoteID: src.RemoteID,
	}
	fp := activity.NewFingerprint(src, e.tolerance)
	res.Fingerprint = fp

	existing, found, err := e.catalog.FindByFingerprint(ctx, rule.Destination, fp)
	if err != nil {
		res.Action = ActionFailed
		res.Reason = fmt.Sprintf("conflict check failed: %v", err)
		return res
	}

	switch {
	case found && force:
		// Force bypasses the skip and proceeds as if absent; the
		// destination ends up with a duplicate.
		res.DestRemoteID = existing.RemoteID
		return e.upload(ctx, rule, src, destClient, res, dryRun, "forced duplicate upload")

	case found && rule.Strategy == SkipExisting:
		res.DestRemoteID = existing.RemoteID
		res.Action = ActionSkipped
		res.Reason = fmt.Sprintf("already present as %s", existing.RemoteID)
		return res

	case found && rule.Strategy == ReplaceExisting:
		return e.replace(ctx, rule, src, existing, destClient, res, dryRun)

	default:
		return e.upload(ctx, rule, src, destClient, res, dryRun, "")
	}
}

// upload obtains the binary (from cache or source platform) and pushes it
// to the destination, making the new activity visible to later conflict
// checks in this run.
func (e *Engine) upload(ctx context.Context, rule Rule, src activity.Summary, destClient platform.Client, res Result, dryRun bool, reason string) Result {
	if dryRun {
		res.Action = ActionWouldUpload
		res.Reason = reason
		return res
	}

	data, err := e.fetchBinary(ctx, src)
	if err != nil {
		res.Action = ActionFailed
		res.Reason = fmt.Sprintf("fetch failed: %v", err)
		return res
	}

	newID, err := destClient.UploadActivity(ctx, data)
	if err != nil {
		e.noteAuthFailure(rule.Destination, err)
		res.Action = ActionFailed
		res.Reason = fmt.Sprintf("upload failed: %v", err)
		return res
	}

	res.Action = ActionUploaded
	res.DestRemoteID = newID
	res.Reason = reason
	e.recordDestination(ctx, rule.Destination, newID, src)
	return res
}

// replace implements delete-then-upload. A failed delete aborts the upload
// entirely; a failed upload after a successful delete is reported with a
// distinct reason because the destination is left without its copy.
func (e *Engine) replace(ctx context.Context, rule Rule, src, existing activity.Summary, destClient platform.Client, res Result, dryRun bool) Result {
	res.DestRemoteID = existing.RemoteID

	if dryRun {
		res.Action = ActionWouldUpload
		res.Reason = fmt.Sprintf("would replace %s", existing.RemoteID)
		return res
	}

	// Fetch before deleting: if the source binary is unavailable the
	// destination keeps its copy untouched.
	data, err := e.fetchBinary(ctx, src)
	if err != nil {
		res.Action = ActionFailed
		res.Reason = fmt.Sprintf("fetch failed: %v", err)
		return res
	}

	if err := destClient.DeleteActivity(ctx, existing.RemoteID); err != nil {
		e.noteAuthFailure(rule.Destination, err)
		res.Action = ActionFailed
		res.Reason = fmt.Sprintf("replace aborted, delete of %s failed: %v", existing.RemoteID, err)
		return res
	}
	if err := e.catalog.Remove(ctx, rule.Destination, existing.RemoteID); err != nil {
		e.log.Warn("failed to drop replaced catalog entry", zap.Error(err))
	}

	newID, err := destClient.UploadActivity(ctx, data)
	if err != nil {
		e.noteAuthFailure(rule.Destination, err)
		res.Action = ActionFailed
		res.Reason = fmt.Sprintf("replace inconsistent, %s deleted but upload failed: %v", existing.RemoteID, err)
		return res
	}

	res.Action = ActionReplaced
	res.DestRemoteID = newID
	e.recordDestination(ctx, rule.Destination, newID, src)
	return res
}

// noteAuthFailure drops the cached session when a platform call was
// rejected for authentication reasons, so the next run logs in fresh.
func (e *Engine) noteAuthFailure(accountID string, err error) {
	if errors.Is(err, platform.ErrAuthenticationFailed) {
		e.sessions.Invalidate(accountID)
	}
}

// fetchBinary reads the activity bytes through the binary file cache.
func (e *Engine) fetchBinary(ctx context.Context, src activity.Summary) ([]byte, error) {
	path, err := e.files.GetOrFetch(ctx, src)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// recordDestination upserts the uploaded activity into the destination's
// catalog so an in-run collision with a later candidate is detected.
func (e *Engine) recordDestination(ctx context.Context, destAccount, remoteID string, src activity.Summary) {
	dest := src
	dest.AccountID = destAccount
	dest.RemoteID = remoteID
	if err := e.catalog.Put(ctx, dest); err != nil {
		e.log.Warn("failed to record uploaded activity in catalog",
			zap.String("account", destAccount),
			zap.String("remote_id", remoteID),
			zap.Error(err))
	}
}

func widenStart(t time.Time, tolerance time.Duration) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Add(-tolerance)
}
