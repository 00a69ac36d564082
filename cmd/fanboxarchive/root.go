package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "fanboxarchive",
	Short: "Archive FANBOX posts you follow or support",
	Long: `fanboxarchive downloads the posts, comments and media of FANBOX
creators you follow or support into a local archive: a SQLite database
plus a media directory tree, suitable for browsing offline.

Runs are incremental: a per-creator checkpoint and a dedup check keep
repeat runs cheap, and posts that fail to archive are retried on the
next run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default searches .fanboxarchive.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(authCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
