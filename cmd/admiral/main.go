package main

import (
	"fmt"
	"os"

	"github.com/enascvm/admiral/pkg/config"
	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "admiral",
	Short: "Admiral - container and volume orchestration core",
	Long: `Admiral runs long-lived workflows over container hosts and keeps
its mirror of host volumes in line with what the hosts report.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Admiral version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "admiral.yaml", "Configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Admiral version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// loadConfig reads the configuration file, applies flag overrides and
// initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Node.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Init(cfg.Log.Logger())
	metrics.SetVersion(Version)
	return cfg, nil
}
