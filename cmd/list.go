package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitsync/fitsync/internal/activity"
	"github.com/fitsync/fitsync/internal/cache"
	"github.com/fitsync/fitsync/internal/platform"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List activities from an account",
	Long: `List cached activities for one account, refreshing from the platform
when the cached listing is stale. The printed index numbers are stable for
this filtered snapshot and can be passed to download --index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")

		filter, err := filterFromFlags(cmd)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.registry.Client(account); err != nil {
			return err
		}

		entries, err := a.catalog.ListActivities(cmd.Context(), account, filter)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("No activities found for %s\n", account)
			return nil
		}

		printListing(account, entries)
		return nil
	},
}

func init() {
	listCmd.Flags().String("account", "", "account to list activities from")
	listCmd.Flags().Int("limit", 10, "maximum number of activities to display")
	listCmd.Flags().String("activity-type", "", "comma-separated activity types to include")
	listCmd.Flags().String("start-date", "", "only show activities on or after date (YYYY-MM-DD)")
	listCmd.Flags().String("end-date", "", "only show activities on or before date (YYYY-MM-DD)")
	_ = listCmd.MarkFlagRequired("account")

	rootCmd.AddCommand(listCmd)
}

// filterFromFlags builds the listing filter shared by list and download.
func filterFromFlags(cmd *cobra.Command) (platform.Filter, error) {
	var filter platform.Filter

	if types, _ := cmd.Flags().GetString("activity-type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, activity.ParseType(t))
		}
	}

	start, _ := cmd.Flags().GetString("start-date")
	startDate, err := parseDate(start)
	if err != nil {
		return platform.Filter{}, err
	}
	filter.StartDate = startDate

	end, _ := cmd.Flags().GetString("end-date")
	endDate, err := parseDate(end)
	if err != nil {
		return platform.Filter{}, err
	}
	if !endDate.IsZero() {
		// Inclusive day bound.
		filter.EndDate = endDate.Add(24*time.Hour - time.Second)
	}

	filter.Limit, _ = cmd.Flags().GetInt("limit")
	return filter, nil
}

func printListing(account string, entries []cache.Entry) {
	fmt.Printf("\nActivities from %s:\n", account)
	fmt.Println(strings.Repeat("-", 80))
	for _, e := range entries {
		distance := "-"
		if e.Distance > 0 {
			distance = fmt.Sprintf("%.1f km", e.Distance/1000)
		}
		fmt.Printf("%d. %s - %s - %s - %s - ID: %s\n",
			e.Index,
			e.StartTime.Format("2006-01-02 15:04:05"),
			e.Type,
			e.Duration,
			distance,
			e.RemoteID)
	}
	fmt.Println(strings.Repeat("-", 80))
}
