package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/exposurekit/riskengine/internal/config"
	"github.com/exposurekit/riskengine/internal/logging"
)

var (
	// Version is set at build time
	Version = "0.2.0"

	// App state
	cfg       *config.Config
	cfgErr    error
	configDir string
	logLevel  string
)

// rootCmd is the base command
var rootCmd = &cobra.Command{
	Use:   "riskengine",
	Short: "Exposure risk determination engine",
	Long: `riskengine determines a user's exposure risk from anonymized
proximity-encounter data published by a central distribution service.
It fetches and verifies signed data packages, caches them locally,
drives the platform's proximity-matching primitive and turns its
output into a discrete risk level.`,
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version string
func SetVersion(v string) {
	Version = v
	rootCmd.Version = v
}

func init() {
	cobra.OnInitialize(initLogging, initConfig)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory (default ~/.riskengine)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func initLogging() {
	_ = logging.Init(logging.Config{Level: logLevel})
}

func initConfig() {
	cfg, cfgErr = config.Load(configDir)
}
