package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/activity"
	"github.com/fitsync/fitsync/internal/cache"
	"github.com/fitsync/fitsync/internal/engine"
	"github.com/fitsync/fitsync/internal/platform"
)

// mockClient is a func-field platform adapter; unset fields get sensible
// success behavior.
type mockClient struct {
	kind       platform.Kind
	AuthFunc   func(ctx context.Context) (platform.Session, error)
	ListFunc   func(ctx context.Context, since time.Time, filter platform.Filter) ([]activity.Summary, error)
	FetchFunc  func(ctx context.Context, remoteID string) ([]byte, error)
	UploadFunc func(ctx context.Context, data []byte) (string, error)
	DeleteFunc func(ctx context.Context, remoteID string) error

	uploads [][]byte
	deletes []string
}

func (m *mockClient) Kind() platform.Kind { return m.kind }

func (m *mockClient) Authenticate(ctx context.Context) (platform.Session, error) {
	if m.AuthFunc != nil {
		return m.AuthFunc(ctx)
	}
	return platform.Session{IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *mockClient) ListActivities(ctx context.Context, since time.Time, filter platform.Filter) ([]activity.Summary, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, since, filter)
	}
	return nil, nil
}

func (m *mockClient) FetchActivity(ctx context.Context, remoteID string) ([]byte, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, remoteID)
	}
	return []byte("fit-" + remoteID), nil
}

func (m *mockClient) UploadActivity(ctx context.Context, data []byte) (string, error) {
	if m.UploadFunc != nil {
		return m.UploadFunc(ctx, data)
	}
	m.uploads = append(m.uploads, data)
	return uuid.NewString(), nil
}

func (m *mockClient) DeleteActivity(ctx context.Context, remoteID string) error {
	m.deletes = append(m.deletes, remoteID)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, remoteID)
	}
	return nil
}

type clientMap map[string]*mockClient

func (c clientMap) Client(accountID string) (platform.Client, error) {
	m, ok := c[accountID]
	if !ok {
		return nil, errors.New("account " + accountID + " not configured")
	}
	return m, nil
}

// listOf returns a ListFunc serving fixed summaries, newest first.
func listOf(sums ...activity.Summary) func(context.Context, time.Time, platform.Filter) ([]activity.Summary, error) {
	return func(ctx context.Context, since time.Time, filter platform.Filter) ([]activity.Summary, error) {
		var out []activity.Summary
		for _, s := range sums {
			if !since.IsZero() && s.StartTime.Before(since) {
				continue
			}
			if filter.InRange(s.StartTime) {
				out = append(out, s)
			}
		}
		return out, nil
	}
}

type fixture struct {
	clients clientMap
	eng     *engine.Engine
}

func newFixture(t *testing.T, clients clientMap) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := cache.OpenStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zap.NewNop()
	sessions, err := cache.NewSessionStore(filepath.Join(dir, "auth"), func(ctx context.Context, accountID string) (platform.Session, error) {
		c, err := clients.Client(accountID)
		if err != nil {
			return platform.Session{}, err
		}
		return c.Authenticate(ctx)
	}, log)
	require.NoError(t, err)

	catalog := cache.NewCatalog(db, func(ctx context.Context, accountID string, since time.Time, filter platform.Filter) ([]activity.Summary, error) {
		c, err := clients.Client(accountID)
		if err != nil {
			return nil, err
		}
		return c.ListActivities(ctx, since, filter)
	}, 7*24*time.Hour, 2*time.Minute, log)

	files, err := cache.NewFileCache(filepath.Join(dir, "files"), db, func(ctx context.Context, accountID, remoteID string) ([]byte, error) {
		c, err := clients.Client(accountID)
		if err != nil {
			return nil, err
		}
		return c.FetchActivity(ctx, remoteID)
	}, 7*24*time.Hour, log)
	require.NoError(t, err)

	return &fixture{
		clients: clients,
		eng:     engine.New(clients, sessions, catalog, files, 1, log),
	}
}

var (
	runStart  = time.Date(2023, 3, 1, 8, 0, 0, 0, time.UTC)
	rideStart = time.Date(2023, 3, 5, 9, 0, 0, 0, time.UTC)
)

func sourceActivities() []activity.Summary {
	return []activity.Summary{
		{AccountID: "garmin_us", RemoteID: "200", StartTime: rideStart, Duration: 3600 * time.Second, Type: activity.Cycling},
		{AccountID: "garmin_us", RemoteID: "100", StartTime: runStart, Duration: 1800 * time.Second, Type: activity.Running},
	}
}

func TestSyncUploadsOnlyFilteredTypes(t *testing.T) {
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	dst := &mockClient{kind: platform.GarminCN}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{
		Source:      "garmin_us",
		Destination: "garmin_cn",
		Types:       []activity.Type{activity.Running},
		Strategy:    engine.SkipExisting,
	}
	report := f.eng.Run(context.Background(), []engine.Rule{rule}, false, false)

	require.Empty(t, report.RuleErrors)
	require.Len(t, report.Results, 1)
	assert.Equal(t, engine.ActionUploaded, report.Results[0].Action)
	assert.Equal(t, "100", report.Results[0].SourceRemoteID)
	assert.Equal(t, 1, report.Uploaded())
	assert.Len(t, dst.uploads, 1)
}

func TestSyncSkipsExistingFingerprint(t *testing.T) {
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	// Destination already holds the 2023-03-01 run, 30 seconds skewed.
	dst := &mockClient{kind: platform.GarminCN, ListFunc: listOf(activity.Summary{
		AccountID: "garmin_cn",
		RemoteID:  "900",
		StartTime: runStart.Add(30 * time.Second),
		Duration:  1800 * time.Second,
		Type:      activity.Running,
	})}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{
		Source:      "garmin_us",
		Destination: "garmin_cn",
		Types:       []activity.Type{activity.Running},
		Strategy:    engine.SkipExisting,
	}
	report := f.eng.Run(context.Background(), []engine.Rule{rule}, false, false)

	require.Len(t, report.Results, 1)
	assert.Equal(t, engine.ActionSkipped, report.Results[0].Action)
	assert.Equal(t, "900", report.Results[0].DestRemoteID)
	assert.Empty(t, dst.uploads)
}

func TestSyncForceUploadsDuplicate(t *testing.T) {
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	dst := &mockClient{kind: platform.GarminCN, ListFunc: listOf(activity.Summary{
		AccountID: "garmin_cn",
		RemoteID:  "900",
		StartTime: runStart.Add(30 * time.Second),
		Duration:  1800 * time.Second,
		Type:      activity.Running,
	})}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{
		Source:      "garmin_us",
		Destination: "garmin_cn",
		Types:       []activity.Type{activity.Running},
		Strategy:    engine.SkipExisting,
	}
	report := f.eng.Run(context.Background(), []engine.Rule{rule}, false, true)

	require.Len(t, report.Results, 1)
	assert.Equal(t, engine.ActionUploaded, report.Results[0].Action)
	assert.Len(t, dst.uploads, 1)
	assert.Empty(t, dst.deletes)
}

func TestSyncIdempotentWithSkipExisting(t *testing.T) {
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	dst := &mockClient{kind: platform.GarminCN}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{
		Source:      "garmin_us",
		Destination: "garmin_cn",
		Strategy:    engine.SkipExisting,
	}

	first := f.eng.Run(context.Background(), []engine.Rule{rule}, false, false)
	require.Empty(t, first.RuleErrors)
	assert.Equal(t, 2, first.Uploaded())

	second := f.eng.Run(context.Background(), []engine.Rule{rule}, false, false)
	require.Empty(t, second.RuleErrors)
	assert.Equal(t, 0, second.Uploaded())
	assert.Equal(t, 2, second.Skipped())
	assert.Len(t, dst.uploads, 2)
}

func TestSyncProcessesOldestFirst(t *testing.T) {
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	dst := &mockClient{kind: platform.GarminCN}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{Source: "garmin_us", Destination: "garmin_cn", Strategy: engine.SkipExisting}
	report := f.eng.Run(context.Background(), []engine.Rule{rule}, false, false)

	require.Len(t, report.Results, 2)
	assert.Equal(t, "100", report.Results[0].SourceRemoteID) // 2023-03-01 before 2023-03-05
	assert.Equal(t, "200", report.Results[1].SourceRemoteID)
	require.Len(t, dst.uploads, 2)
	assert.Equal(t, "fit-100", string(dst.uploads[0]))
	assert.Equal(t, "fit-200", string(dst.uploads[1]))
}

func TestSyncDryRunMakesNoCalls(t *testing.T) {
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	fetched := false
	src.FetchFunc = func(ctx context.Context, remoteID string) ([]byte, error) {
		fetched = true
		return []byte("fit"), nil
	}
	dst := &mockClient{kind: platform.GarminCN}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{Source: "garmin_us", Destination: "garmin_cn", Strategy: engine.SkipExisting}
	report := f.eng.Run(context.Background(), []engine.Rule{rule}, true, false)

	assert.Equal(t, 2, report.WouldUpload())
	assert.Equal(t, 0, report.Uploaded())
	assert.False(t, fetched)
	assert.Empty(t, dst.uploads)
}

func TestReplaceExistingDeletesThenUploads(t *testing.T) {
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	dst := &mockClient{kind: platform.GarminCN, ListFunc: listOf(activity.Summary{
		AccountID: "garmin_cn",
		RemoteID:  "900",
		StartTime: runStart,
		Duration:  1800 * time.Second,
		Type:      activity.Running,
	})}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{
		Source:      "garmin_us",
		Destination: "garmin_cn",
		Types:       []activity.Type{activity.Running},
		Strategy:    engine.ReplaceExisting,
	}
	report := f.eng.Run(context.Background(), []engine.Rule{rule}, false, false)

	require.Len(t, report.Results, 1)
	assert.Equal(t, engine.ActionReplaced, report.Results[0].Action)
	assert.Equal(t, []string{"900"}, dst.deletes)
	assert.Len(t, dst.uploads, 1)
	assert.NotEqual(t, "900", report.Results[0].DestRemoteID)
}

func TestReplaceDeleteFailureAbortsUpload(t *testing.T) {
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	dst := &mockClient{
		kind: platform.GarminCN,
		ListFunc: listOf(activity.Summary{
			AccountID: "garmin_cn",
			RemoteID:  "900",
			StartTime: runStart,
			Duration:  1800 * time.Second,
			Type:      activity.Running,
		}),
		DeleteFunc: func(ctx context.Context, remoteID string) error {
			return platform.ErrNetwork
		},
	}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{
		Source:      "garmin_us",
		Destination: "garmin_cn",
		Types:       []activity.Type{activity.Running},
		Strategy:    engine.ReplaceExisting,
	}
	report := f.eng.Run(context.Background(), []engine.Rule{rule}, false, false)

	require.Len(t, report.Results, 1)
	assert.Equal(t, engine.ActionFailed, report.Results[0].Action)
	assert.Contains(t, report.Results[0].Reason, "delete")
	assert.Empty(t, dst.uploads)
}

func TestReplaceUploadFailureReportedDistinctly(t *testing.T) {
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	dst := &mockClient{
		kind: platform.GarminCN,
		ListFunc: listOf(activity.Summary{
			AccountID: "garmin_cn",
			RemoteID:  "900",
			StartTime: runStart,
			Duration:  1800 * time.Second,
			Type:      activity.Running,
		}),
		UploadFunc: func(ctx context.Context, data []byte) (string, error) {
			return "", platform.ErrUploadRejected
		},
	}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{
		Source:      "garmin_us",
		Destination: "garmin_cn",
		Types:       []activity.Type{activity.Running},
		Strategy:    engine.ReplaceExisting,
	}
	report := f.eng.Run(context.Background(), []engine.Rule{rule}, false, false)

	require.Len(t, report.Results, 1)
	assert.Equal(t, engine.ActionFailed, report.Results[0].Action)
	assert.Contains(t, report.Results[0].Reason, "deleted but upload failed")
	assert.Equal(t, []string{"900"}, dst.deletes)
}

func TestSyncIsolatesSingleActivityFailure(t *testing.T) {
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	src.FetchFunc = func(ctx context.Context, remoteID string) ([]byte, error) {
		if remoteID == "100" {
			return nil, platform.ErrNetwork
		}
		return []byte("fit-" + remoteID), nil
	}
	dst := &mockClient{kind: platform.GarminCN}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{Source: "garmin_us", Destination: "garmin_cn", Strategy: engine.SkipExisting}
	report := f.eng.Run(context.Background(), []engine.Rule{rule}, false, false)

	require.Len(t, report.Results, 2)
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, report.Uploaded())
	require.Len(t, dst.uploads, 1)
	assert.Equal(t, "fit-200", string(dst.uploads[0]))
}

func TestSyncAuthFailureAbortsRuleOnly(t *testing.T) {
	badSrc := &mockClient{
		kind: platform.GarminUS,
		AuthFunc: func(ctx context.Context) (platform.Session, error) {
			return platform.Session{}, platform.ErrAuthenticationFailed
		},
	}
	goodSrc := &mockClient{kind: platform.CorosCN, ListFunc: listOf(activity.Summary{
		AccountID: "coros_cn",
		RemoteID:  "COROS_1",
		StartTime: runStart,
		Duration:  1800 * time.Second,
		Type:      activity.Running,
	})}
	dst := &mockClient{kind: platform.GarminCN}
	f := newFixture(t, clientMap{"garmin_us": badSrc, "coros_cn": goodSrc, "garmin_cn": dst})

	rules := []engine.Rule{
		{Source: "garmin_us", Destination: "garmin_cn", Strategy: engine.SkipExisting},
		{Source: "coros_cn", Destination: "garmin_cn", Strategy: engine.SkipExisting},
	}
	report := f.eng.Run(context.Background(), rules, false, false)

	// The bad rule failed whole, the good one still uploaded.
	require.Len(t, report.RuleErrors, 1)
	assert.ErrorIs(t, report.RuleErrors[0].Err, platform.ErrAuthenticationFailed)
	assert.Equal(t, 1, report.Uploaded())
	assert.GreaterOrEqual(t, report.Failed(), 1)
}

func TestSyncInRunCollisionDetected(t *testing.T) {
	// Two source activities that fingerprint-match each other: after the
	// first uploads, the second must see it in the destination catalog.
	twin1 := activity.Summary{AccountID: "garmin_us", RemoteID: "300", StartTime: runStart, Duration: 1800 * time.Second, Type: activity.Running}
	twin2 := activity.Summary{AccountID: "garmin_us", RemoteID: "301", StartTime: runStart.Add(time.Minute), Duration: 1800 * time.Second, Type: activity.Running}
	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(twin2, twin1)}
	dst := &mockClient{kind: platform.GarminCN}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{Source: "garmin_us", Destination: "garmin_cn", Strategy: engine.SkipExisting}
	report := f.eng.Run(context.Background(), []engine.Rule{rule}, false, false)

	require.Len(t, report.Results, 2)
	assert.Equal(t, 1, report.Uploaded())
	assert.Equal(t, 1, report.Skipped())
	assert.Len(t, dst.uploads, 1)
}

func TestSyncCancellationStopsNewWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	src := &mockClient{kind: platform.GarminUS, ListFunc: listOf(sourceActivities()...)}
	dst := &mockClient{kind: platform.GarminCN}
	dst.UploadFunc = func(ctx context.Context, data []byte) (string, error) {
		// Cancel mid-run: the first upload completes, no second starts.
		cancel()
		dst.uploads = append(dst.uploads, data)
		return uuid.NewString(), nil
	}
	f := newFixture(t, clientMap{"garmin_us": src, "garmin_cn": dst})

	rule := engine.Rule{Source: "garmin_us", Destination: "garmin_cn", Strategy: engine.SkipExisting}
	report := f.eng.Run(ctx, []engine.Rule{rule}, false, false)

	assert.Len(t, dst.uploads, 1)
	require.Len(t, report.RuleErrors, 1)
	assert.ErrorIs(t, report.RuleErrors[0].Err, context.Canceled)
}
