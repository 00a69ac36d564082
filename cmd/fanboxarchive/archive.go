package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"fanboxarchive/internal/pipeline"
	"fanboxarchive/pkg/archive"
	"fanboxarchive/pkg/auth"
	"fanboxarchive/pkg/config"
	"fanboxarchive/pkg/fanbox"
	"fanboxarchive/pkg/logger"
)

var (
	flagSession   string
	flagOutput    string
	flagAccept    string
	flagStrategy  string
	flagWhitelist []string
	flagBlacklist []string
	flagSkipFree  bool
	flagLimit     int
)

var archiveCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an archiving session",
	Long: `Run one archiving session: discover creators, fetch new or updated
posts, download their media, and commit everything to the archive.

The session cookie is taken from --session, the FANBOXSESSID environment
variable, or the OS keyring (see "fanboxarchive auth").`,
	RunE: runArchive,
}

func init() {
	archiveCmd.Flags().StringVar(&flagSession, "session", "", "FANBOXSESSID cookie value")
	archiveCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "archive output directory")
	archiveCmd.Flags().StringVar(&flagAccept, "accept", "", "creator lists to archive (all, following, supporting)")
	archiveCmd.Flags().StringVar(&flagStrategy, "strategy", "", "archiving strategy (increment, full, force)")
	archiveCmd.Flags().StringSliceVar(&flagWhitelist, "whitelist", nil, "only archive these creator ids")
	archiveCmd.Flags().StringSliceVar(&flagBlacklist, "blacklist", nil, "never archive these creator ids")
	archiveCmd.Flags().BoolVar(&flagSkipFree, "skip-free", false, "skip free creators and posts")
	archiveCmd.Flags().IntVar(&flagLimit, "limit", 0, "API requests per minute")
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	log := logger.GetLogger()

	if err := os.MkdirAll(cfg.Archive.Output, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	store, err := archive.OpenOrCreate(filepath.Join(cfg.Archive.Output, "archive.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	client := fanbox.NewClient(fanbox.Options{
		Cookie:             cfg.CookieHeader(),
		UserAgent:          cfg.UserAgent(),
		RequestsPerMinute:  cfg.RateLimit.RequestsPerMinute,
		ConcurrentRequests: cfg.RateLimit.ConcurrentRequests,
		MaxRetries:         cfg.RateLimit.MaxRetries,
		DownloadTimeout:    cfg.Download.DownloadTimeout,
		Logger:             log,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(map[string]interface{}{
		"output":   cfg.Archive.Output,
		"accept":   cfg.Archive.Accept,
		"strategy": cfg.Archive.Strategy,
	}).Info("starting archiving session")

	return pipeline.New(cfg, client, store).Run(ctx)
}

// loadConfig layers flags over environment, .env and config file, then
// fills the session from the keyring when nothing else provided it.
func loadConfig() (*config.Config, error) {
	flags := map[string]interface{}{
		"session":   flagSession,
		"output":    flagOutput,
		"accept":    flagAccept,
		"strategy":  flagStrategy,
		"whitelist": flagWhitelist,
		"blacklist": flagBlacklist,
		"skip-free": flagSkipFree,
		"limit":     flagLimit,
		"log-level": logLevel,
	}

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, err
	}

	session, err := auth.ResolveSession(cfg.Fanbox.SessionID, auth.NewKeyringStore())
	if err != nil {
		return nil, err
	}
	cfg.Fanbox.SessionID = session

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
