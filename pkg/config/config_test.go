package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValidWithSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fanbox.SessionID = "abc"
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Archive.Accept = "everyone"
	cfg.Archive.Strategy = "yolo"
	cfg.Download.ConcurrentDownloads = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FANBOXSESSID")
	assert.Contains(t, err.Error(), "accept")
	assert.Contains(t, err.Error(), "strategy")
	assert.Contains(t, err.Error(), "concurrent downloads")
}

func TestCookieHeader(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fanbox.SessionID = "secret123"
	assert.Equal(t, "FANBOXSESSID=secret123", cfg.CookieHeader())

	// A pasted "FANBOXSESSID=..." pair is tolerated.
	cfg.Fanbox.SessionID = "FANBOXSESSID=secret123;"
	assert.Equal(t, "FANBOXSESSID=secret123", cfg.CookieHeader())

	// Extra cookies ride along but never override the session.
	cfg.Fanbox.Cookies = "cf_clearance=xyz; FANBOXSESSID=stale; theme=dark"
	assert.Equal(t, "cf_clearance=xyz; theme=dark; FANBOXSESSID=secret123", cfg.CookieHeader())
}

func TestUserAgentConfiguredWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fanbox.UserAgent = "custom-agent"
	assert.Equal(t, "custom-agent", cfg.UserAgent())
}

func TestUserAgentGeneratedLooksLikeABrowser(t *testing.T) {
	ua := DefaultConfig().UserAgent()
	assert.Contains(t, ua, "Mozilla/")
	assert.Contains(t, ua, "Chrome/")
	assert.Contains(t, ua, "Safari/537.")
}

func TestFilterCreator(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.FilterCreator("alice", 500))

	cfg.Archive.SkipFree = true
	assert.False(t, cfg.FilterCreator("alice", 0))
	assert.True(t, cfg.FilterCreator("alice", 500))

	cfg.Archive.SkipFree = false
	cfg.Archive.Whitelist = []string{"bob"}
	assert.False(t, cfg.FilterCreator("alice", 500))
	assert.True(t, cfg.FilterCreator("bob", 500))

	cfg.Archive.Whitelist = nil
	cfg.Archive.Blacklist = []string{"alice"}
	assert.False(t, cfg.FilterCreator("alice", 500))
}

func TestFilterPost(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.FilterPost(500, false))
	assert.False(t, cfg.FilterPost(500, true), "restricted posts have no body")

	cfg.Archive.SkipFree = true
	assert.False(t, cfg.FilterPost(0, false))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
archive:
  output: /tmp/fanbox
  accept: following
  strategy: full
rate_limit:
  requests_per_minute: 30
`), 0644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "/tmp/fanbox", cfg.Archive.Output)
	assert.Equal(t, AcceptFollowing, cfg.Archive.Accept)
	assert.Equal(t, StrategyFull, cfg.Archive.Strategy)
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Download.ConcurrentDownloads)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("FANBOXSESSID", "env-session")
	t.Setenv("FANBOX_ARCHIVE_OUTPUT", "/tmp/from-env")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "env-session", cfg.Fanbox.SessionID)
	assert.Equal(t, "/tmp/from-env", cfg.Archive.Output)
}

func TestMergeCommandLineFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeCommandLineFlags(map[string]interface{}{
		"session":   "flag-session",
		"strategy":  StrategyForce,
		"whitelist": []string{"alice"},
		"skip-free": true,
		"limit":     60,
	})

	assert.Equal(t, "flag-session", cfg.Fanbox.SessionID)
	assert.Equal(t, StrategyForce, cfg.Archive.Strategy)
	assert.Equal(t, []string{"alice"}, cfg.Archive.Whitelist)
	assert.True(t, cfg.Archive.SkipFree)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
}
