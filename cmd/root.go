// Package cmd implements the fitsync CLI commands.
package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/activity"
	"github.com/fitsync/fitsync/internal/cache"
	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/logger"
	"github.com/fitsync/fitsync/internal/platform"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "fitsync",
	Short: "Sync fitness activities between platform accounts",
	Long: `fitsync reconciles activity histories across Garmin and COROS accounts,
merging them into a consolidated destination without duplicating data. It
caches sessions, activity metadata and FIT binaries locally to avoid
redundant network work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.fitsync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// app bundles the wired-up stores and adapters for one command run.
// Everything is constructed from the configured cache directory at start
// and closed at the end, never held as global state.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *platform.Registry
	db       *sql.DB
	sessions *cache.SessionStore
	catalog  *cache.Catalog
	files    *cache.FileCache
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(verbose)
	if err != nil {
		return nil, err
	}

	authDir := filepath.Join(cfg.Cache.Directory, "auth")
	registry, err := platform.NewRegistry(cfg, authDir, log)
	if err != nil {
		return nil, err
	}

	db, err := cache.OpenStore(cfg.Cache.Directory)
	if err != nil {
		return nil, err
	}

	sessions, err := cache.NewSessionStore(authDir, func(ctx context.Context, accountID string) (platform.Session, error) {
		client, err := registry.Client(accountID)
		if err != nil {
			return platform.Session{}, err
		}
		return client.Authenticate(ctx)
	}, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		registry: registry,
		db:       db,
		sessions: sessions,
	}

	a.catalog = cache.NewCatalog(db, a.listActivities, cfg.Cache.MaxAge(), cfg.Sync.Tolerance, log)

	filesDir := filepath.Join(cfg.Cache.Directory, "files")
	a.files, err = cache.NewFileCache(filesDir, db, a.fetchActivity, cfg.Cache.MaxAge(), log)
	if err != nil {
		db.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) Close() {
	_ = a.log.Sync()
	_ = a.db.Close()
}

// listActivities is the catalog's upstream: ensure a session, then list.
func (a *app) listActivities(ctx context.Context, accountID string, since time.Time, filter platform.Filter) ([]activity.Summary, error) {
	client, err := a.registry.Client(accountID)
	if err != nil {
		return nil, err
	}
	sess, err := a.sessions.GetValidSession(ctx, accountID)
	if err != nil {
		return nil, err
	}
	platform.Restore(client, sess)
	sums, err := client.ListActivities(ctx, since, filter)
	if errors.Is(err, platform.ErrAuthenticationFailed) {
		// Stale token; drop it so the next call re-authenticates.
		a.sessions.Invalidate(accountID)
	}
	return sums, err
}

// fetchActivity is the file cache's upstream: ensure a session, then fetch.
func (a *app) fetchActivity(ctx context.Context, accountID, remoteID string) ([]byte, error) {
	client, err := a.registry.Client(accountID)
	if err != nil {
		return nil, err
	}
	sess, err := a.sessions.GetValidSession(ctx, accountID)
	if err != nil {
		return nil, err
	}
	platform.Restore(client, sess)
	data, err := client.FetchActivity(ctx, remoteID)
	if errors.Is(err, platform.ErrAuthenticationFailed) {
		a.sessions.Invalidate(accountID)
	}
	return data, err
}

// parseDate parses a YYYY-MM-DD flag value as UTC midnight.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}
