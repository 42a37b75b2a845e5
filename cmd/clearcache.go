package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Clear cached data",
	Long: `Remove cached sessions, activity metadata and downloaded binaries.
With --auth-only, only the authentication cache is cleared.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		authOnly, _ := cmd.Flags().GetBool("auth-only")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.sessions.ClearAll(); err != nil {
			return fmt.Errorf("clearing session cache: %w", err)
		}
		if authOnly {
			fmt.Println("Cleared authentication cache")
			return nil
		}

		ctx := cmd.Context()
		if err := a.catalog.Clear(ctx); err != nil {
			return fmt.Errorf("clearing activity catalog: %w", err)
		}
		if err := a.files.Clear(ctx); err != nil {
			return fmt.Errorf("clearing binary file cache: %w", err)
		}
		fmt.Printf("Cleared all cached data at %s\n", a.cfg.Cache.Directory)
		return nil
	},
}

func init() {
	clearCacheCmd.Flags().Bool("auth-only", false, "only clear the authentication cache")
	rootCmd.AddCommand(clearCacheCmd)
}
