package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authenticate with every configured account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		failures := 0
		for _, accountID := range a.registry.AccountIDs() {
			if _, err := a.sessions.GetValidSession(cmd.Context(), accountID); err != nil {
				a.log.Error("authentication failed", zap.String("account", accountID), zap.Error(err))
				fmt.Printf("❌ %s: %v\n", accountID, err)
				failures++
				continue
			}
			fmt.Printf("✅ %s: authenticated\n", accountID)
		}

		if failures > 0 {
			return fmt.Errorf("authentication failed for %d account(s)", failures)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(authCmd)
}
