package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "roomrelay",
	Short: "Live-room event relay",
	Long:  "Connects to live rooms, ranks viewer events, and relays generated replies back into the room.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = args
		if configPath != "" {
			_ = os.Setenv("ROOMRELAY_CONFIG", configPath)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (overrides ROOMRELAY_CONFIG)")
}
