package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/activity"
	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync activities between platforms",
	Long: `Apply the configured sync rules (or a single --source/--destination
pair), uploading each source activity whose fingerprint is absent from the
destination. Conflicts follow the rule's strategy: skip_existing leaves the
destination untouched, replace_existing deletes then re-uploads.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		destination, _ := cmd.Flags().GetString("destination")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		force, _ := cmd.Flags().GetBool("force")

		if (source == "") != (destination == "") {
			return fmt.Errorf("--source and --destination must be used together")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rules, err := a.resolveRules(cmd, source, destination)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Println("No sync rules configured")
			return nil
		}

		// Interrupt stops launching new uploads; in-flight work finishes.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Opportunistic hygiene: drop binaries past the cache TTL before
		// the run repopulates what it still needs.
		if err := a.files.EvictOlderThan(ctx, a.cfg.Cache.MaxAge()); err != nil {
			a.log.Warn("binary cache eviction failed", zap.Error(err))
		}

		eng := engine.New(a.registry, a.sessions, a.catalog, a.files, a.cfg.Sync.MaxParallelRules, a.log)
		report := eng.Run(ctx, rules, dryRun, force)

		printReport(report)
		if n := report.Failed(); n > 0 {
			return fmt.Errorf("%d sync failure(s)", n)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("source", "", "override source account from config")
	syncCmd.Flags().String("destination", "", "override destination account from config")
	syncCmd.Flags().Bool("dry-run", false, "preview sync operations without making changes")
	syncCmd.Flags().Bool("force", false, "upload even activities that appear to be duplicates")
	syncCmd.Flags().String("activity-type", "", "comma-separated activity types to sync")
	syncCmd.Flags().String("start-date", "", "only sync activities on or after date (YYYY-MM-DD)")
	syncCmd.Flags().String("end-date", "", "only sync activities on or before date (YYYY-MM-DD)")

	rootCmd.AddCommand(syncCmd)
}

// resolveRules turns config rules (or an ad-hoc --source/--destination
// pair) into engine rules, with CLI flags overriding rule defaults.
func (a *app) resolveRules(cmd *cobra.Command, source, destination string) ([]engine.Rule, error) {
	var configured []config.SyncRule
	if source != "" {
		if _, err := a.registry.Client(source); err != nil {
			return nil, err
		}
		if _, err := a.registry.Client(destination); err != nil {
			return nil, err
		}
		configured = []config.SyncRule{{Source: source, Destination: destination}}
	} else {
		configured = a.cfg.SyncRules
	}

	typesFlag, _ := cmd.Flags().GetString("activity-type")
	startFlag, _ := cmd.Flags().GetString("start-date")
	endFlag, _ := cmd.Flags().GetString("end-date")

	rules := make([]engine.Rule, 0, len(configured))
	for i, cr := range configured {
		strategy, err := engine.ParseConflictStrategy(cr.ConflictStrategy)
		if err != nil {
			return nil, fmt.Errorf("sync rule %d: %w", i, err)
		}

		typeNames := cr.ActivityTypes
		if typesFlag != "" {
			typeNames = strings.Split(typesFlag, ",")
		}
		var types []activity.Type
		for _, t := range typeNames {
			types = append(types, activity.ParseType(t))
		}

		startStr := cr.StartDate
		if startFlag != "" {
			startStr = startFlag
		}
		start, err := parseDate(startStr)
		if err != nil {
			return nil, fmt.Errorf("sync rule %d: %w", i, err)
		}

		endStr := cr.EndDate
		if endFlag != "" {
			endStr = endFlag
		}
		end, err := parseDate(endStr)
		if err != nil {
			return nil, fmt.Errorf("sync rule %d: %w", i, err)
		}
		if !end.IsZero() {
			// Inclusive day bound, same as the listing commands.
			end = end.Add(24*time.Hour - time.Second)
		}

		rules = append(rules, engine.Rule{
			Source:      cr.Source,
			Destination: cr.Destination,
			Types:       types,
			StartDate:   start,
			EndDate:     end,
			Strategy:    strategy,
		})
	}
	return rules, nil
}

func printReport(report *engine.Report) {
	for _, res := range report.Results {
		line := fmt.Sprintf("%s → %s: %s %s", res.Source, res.Destination, res.Action, res.SourceRemoteID)
		if res.DestRemoteID != "" {
			line += fmt.Sprintf(" (destination %s)", res.DestRemoteID)
		}
		if res.Reason != "" {
			line += " - " + res.Reason
		}
		fmt.Println(line)
	}
	for _, re := range report.RuleErrors {
		fmt.Printf("❌ rule %s → %s failed: %v\n", re.Rule.Source, re.Rule.Destination, re.Err)
	}
	fmt.Printf("\n📊 Sync summary: %s\n", report.Summary())
}
