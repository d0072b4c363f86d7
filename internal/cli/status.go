package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/exposurekit/riskengine/internal/packagecache"
	"github.com/exposurekit/riskengine/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted engine state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgErr != nil {
			return cfgErr
		}

		store, err := state.Open(cfg.StateDir())
		if err != nil {
			return err
		}
		snap := store.Snapshot()

		fmt.Printf("Mode:              %s\n", cfg.Mode)
		fmt.Printf("Region:            %s\n", cfg.Region)
		fmt.Printf("Activity:          %s\n", snap.Activity)

		if snap.LastResult != nil {
			fmt.Printf("Risk level:        %s\n", snap.LastResult.Level)
			fmt.Printf("Calculated:        %s\n", snap.LastResult.CalculationDate.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Println("Risk level:        (no result yet)")
		}
		if snap.LastDetectionAt != nil {
			fmt.Printf("Last detection:    %s\n", snap.LastDetectionAt.Format("2006-01-02 15:04:05"))
		}
		if !snap.RateLimit.LastRunAt.IsZero() {
			fmt.Printf("Last run:          %s (min interval %s)\n",
				snap.RateLimit.LastRunAt.Format("2006-01-02 15:04:05"),
				snap.RateLimit.MinimumInterval)
		}

		cache, err := packagecache.Open(cfg.CachePath())
		if err != nil {
			return err
		}
		defer cache.Close()
		count, err := cache.Count()
		if err != nil {
			return err
		}
		fmt.Printf("Cached packages:   %d\n", count)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
