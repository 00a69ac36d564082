package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Accept mode controls which creator lists are archived.
const (
	AcceptAll        = "all"
	AcceptFollowing  = "following"
	AcceptSupporting = "supporting"
)

// Archiving strategy.
const (
	// StrategyIncrement uses the per-creator checkpoint and the store's
	// dedup check to fetch only changed posts.
	StrategyIncrement = "increment"
	// StrategyFull ignores the checkpoint but still skips posts the store
	// already holds at the same updated timestamp.
	StrategyFull = "full"
	// StrategyForce re-imports everything.
	StrategyForce = "force"
)

// Config holds all configuration options for the archiver
type Config struct {
	// FANBOX session and request identity
	Fanbox FanboxConfig `yaml:"fanbox" json:"fanbox"`

	// Archiving behavior
	Archive ArchiveConfig `yaml:"archive" json:"archive"`

	// Rate limiting and request concurrency
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// File download settings
	Download DownloadConfig `yaml:"download" json:"download"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// FanboxConfig holds session and browser-identity settings
type FanboxConfig struct {
	// SessionID is the FANBOXSESSID cookie value
	SessionID string `yaml:"session_id" json:"session_id"`
	// Cookies holds extra cookies as "name=value; name2=value2"
	Cookies   string `yaml:"cookies" json:"cookies"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// ArchiveConfig holds output and selection settings
type ArchiveConfig struct {
	Output    string   `yaml:"output" json:"output"`
	Accept    string   `yaml:"accept" json:"accept"`
	Strategy  string   `yaml:"strategy" json:"strategy"`
	Whitelist []string `yaml:"whitelist" json:"whitelist"`
	Blacklist []string `yaml:"blacklist" json:"blacklist"`
	SkipFree  bool     `yaml:"skip_free" json:"skip_free"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute  int `yaml:"requests_per_minute" json:"requests_per_minute"`
	ConcurrentRequests int `yaml:"concurrent_requests" json:"concurrent_requests"`
	MaxRetries         int `yaml:"max_retries" json:"max_retries"`
}

// DownloadConfig holds file download configuration
type DownloadConfig struct {
	ConcurrentDownloads int           `yaml:"concurrent_downloads" json:"concurrent_downloads"`
	DownloadTimeout     time.Duration `yaml:"download_timeout" json:"download_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Fanbox: FanboxConfig{},
		Archive: ArchiveConfig{
			Output:   "./archive",
			Accept:   AcceptSupporting,
			Strategy: StrategyIncrement,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute:  120,
			ConcurrentRequests: 20,
			MaxRetries:         3,
		},
		Download: DownloadConfig{
			ConcurrentDownloads: 3,
			DownloadTimeout:     5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if session := os.Getenv("FANBOXSESSID"); session != "" {
		c.Fanbox.SessionID = session
	}
	if ua := os.Getenv("FANBOX_ARCHIVE_USER_AGENT"); ua != "" {
		c.Fanbox.UserAgent = ua
	}
	if output := os.Getenv("FANBOX_ARCHIVE_OUTPUT"); output != "" {
		c.Archive.Output = output
	}
	if accept := os.Getenv("FANBOX_ARCHIVE_ACCEPT"); accept != "" {
		c.Archive.Accept = accept
	}
	if rpm := os.Getenv("FANBOX_ARCHIVE_REQUESTS_PER_MINUTE"); rpm != "" {
		var val int
		fmt.Sscanf(rpm, "%d", &val)
		if val > 0 {
			c.RateLimit.RequestsPerMinute = val
		}
	}
	if concurrent := os.Getenv("FANBOX_ARCHIVE_CONCURRENT_DOWNLOADS"); concurrent != "" {
		var val int
		fmt.Sscanf(concurrent, "%d", &val)
		if val > 0 {
			c.Download.ConcurrentDownloads = val
		}
	}
	if logLevel := os.Getenv("FANBOX_ARCHIVE_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".fanboxarchive.yaml",
		".fanboxarchive.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "fanboxarchive", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".fanboxarchive.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Fanbox.SessionID == "" {
		errs = append(errs, errors.New("FANBOXSESSID session cookie is required"))
	}

	switch c.Archive.Accept {
	case AcceptAll, AcceptFollowing, AcceptSupporting:
	default:
		errs = append(errs, fmt.Errorf("invalid accept mode: %s", c.Archive.Accept))
	}
	switch c.Archive.Strategy {
	case StrategyIncrement, StrategyFull, StrategyForce:
	default:
		errs = append(errs, fmt.Errorf("invalid strategy: %s", c.Archive.Strategy))
	}
	if c.Archive.Output == "" {
		errs = append(errs, errors.New("output directory is required"))
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	if c.RateLimit.ConcurrentRequests <= 0 {
		errs = append(errs, errors.New("concurrent requests must be positive"))
	}
	if c.RateLimit.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries cannot be negative"))
	}

	if c.Download.ConcurrentDownloads <= 0 {
		errs = append(errs, errors.New("concurrent downloads must be positive"))
	}
	if c.Download.ConcurrentDownloads > 10 {
		errs = append(errs, errors.New("concurrent downloads should not exceed 10"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// CookieHeader assembles the Cookie header from the session cookie and any
// extra cookies. A "FANBOXSESSID=" prefix on the configured session value is
// tolerated; extra cookies never override the session.
func (c *Config) CookieHeader() string {
	session := strings.TrimSpace(strings.TrimSuffix(
		strings.TrimPrefix(strings.TrimSpace(c.Fanbox.SessionID), "FANBOXSESSID="), ";"))

	cookies := []string{}
	for _, cookie := range strings.Split(c.Fanbox.Cookies, ";") {
		cookie = strings.TrimSpace(cookie)
		if cookie == "" || strings.HasPrefix(cookie, "FANBOXSESSID=") {
			continue
		}
		if !strings.Contains(cookie, "=") {
			continue
		}
		cookies = append(cookies, cookie)
	}
	cookies = append(cookies, "FANBOXSESSID="+session)

	return strings.Join(cookies, "; ")
}

// UserAgent returns the configured user agent, or a plausible browser
// identity derived from the current time when none is set.
func (c *Config) UserAgent() string {
	if c.Fanbox.UserAgent != "" {
		return c.Fanbox.UserAgent
	}
	dt := uint64(time.Now().UnixMilli()) / 1000
	major := dt%2 + 4
	webkit := dt / 2 % 64
	chrome := dt/128%5 + 132
	return fmt.Sprintf(
		"Mozilla/%d.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.%d (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.%d",
		major, webkit, chrome, webkit)
}

// FilterCreator reports whether a creator should be archived given the
// whitelist, blacklist and skip-free settings.
func (c *Config) FilterCreator(creatorID string, fee int) bool {
	if c.Archive.SkipFree && fee == 0 {
		return false
	}
	if len(c.Archive.Whitelist) > 0 && !contains(c.Archive.Whitelist, creatorID) {
		return false
	}
	return !contains(c.Archive.Blacklist, creatorID)
}

// FilterPost reports whether a listed post is worth a full fetch.
// Restricted posts are above the viewer's plan and have no body.
func (c *Config) FilterPost(feeRequired int, restricted bool) bool {
	if c.Archive.SkipFree && feeRequired == 0 {
		return false
	}
	return !restricted
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if session, ok := flags["session"].(string); ok && session != "" {
		c.Fanbox.SessionID = session
	}
	if output, ok := flags["output"].(string); ok && output != "" {
		c.Archive.Output = output
	}
	if accept, ok := flags["accept"].(string); ok && accept != "" {
		c.Archive.Accept = accept
	}
	if strategy, ok := flags["strategy"].(string); ok && strategy != "" {
		c.Archive.Strategy = strategy
	}
	if whitelist, ok := flags["whitelist"].([]string); ok && len(whitelist) > 0 {
		c.Archive.Whitelist = whitelist
	}
	if blacklist, ok := flags["blacklist"].([]string); ok && len(blacklist) > 0 {
		c.Archive.Blacklist = blacklist
	}
	if skipFree, ok := flags["skip-free"].(bool); ok && skipFree {
		c.Archive.SkipFree = true
	}
	if limit, ok := flags["limit"].(int); ok && limit > 0 {
		c.RateLimit.RequestsPerMinute = limit
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
// Callers fill in the session from the keyring if needed, then Validate.
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".fanboxarchive.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	return config, nil
}
