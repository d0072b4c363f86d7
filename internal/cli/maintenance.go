package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/exposurekit/riskengine/internal/packagecache"
	"github.com/exposurekit/riskengine/internal/signature"
	"github.com/exposurekit/riskengine/internal/state"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached packages older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgErr != nil {
			return cfgErr
		}

		cache, err := packagecache.Open(cfg.CachePath())
		if err != nil {
			return err
		}
		defer cache.Close()

		cutoff := time.Now().UTC().AddDate(0, 0, -cfg.RetentionDays)
		n, err := cache.Prune(cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d package(s) older than %s\n", n, cutoff.Format("2006-01-02"))
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe the package cache and persisted engine state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgErr != nil {
			return cfgErr
		}

		cache, err := packagecache.Open(cfg.CachePath())
		if err != nil {
			return err
		}
		defer cache.Close()
		if err := cache.Reset(); err != nil {
			return err
		}

		store, err := state.Open(cfg.StateDir())
		if err != nil {
			return err
		}
		if err := store.Reset(); err != nil {
			return err
		}

		fmt.Println("Cache and engine state reset")
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configured trusted keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgErr != nil {
			return cfgErr
		}

		keys, err := cfg.ParsedTrustedKeys()
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Printf("%s  fingerprint=%s\n", k.ID, signature.KeyID(k.PublicKey))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd, resetCmd, keysCmd)
}
