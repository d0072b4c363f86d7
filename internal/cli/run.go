package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one user-initiated detection cycle",
	Long: `Run fetches missing packages, invokes the proximity-matching
primitive once and prints the resulting risk level. User-initiated runs
bypass the soft rate limit; the platform's enforced quota still applies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		result, err := eng.provider.RequestRisk(context.Background(), true)
		if err != nil {
			return err
		}

		if runJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}

		fmt.Printf("Risk level: %s\n", result.Level)
		fmt.Printf("Calculated: %s\n", result.CalculationDate.Format("2006-01-02 15:04:05"))
		if result.MostRecentDateHigh != nil {
			fmt.Printf("Most recent increased-risk encounter: %s (%d day(s), >=%d encounter(s))\n",
				result.MostRecentDateHigh.Format("2006-01-02"),
				result.NumberOfDaysHigh, result.MinimumDistinctEncountersHigh)
		}
		if result.MostRecentDateLow != nil {
			fmt.Printf("Most recent low-risk encounter: %s (%d day(s))\n",
				result.MostRecentDateLow.Format("2006-01-02"), result.NumberOfDaysLow)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
	runCmd.Flags().StringVar(&agentAddr, "agent", agentAddr, "platform agent address")
	rootCmd.AddCommand(runCmd)
}
