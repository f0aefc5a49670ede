// Package config handles global and per-collection configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment variables consulted by LoadGlobal.
const (
	EnvConfigPath = "BETTER_MORNING_CONFIG"
	EnvLogLevel   = "LOG_LEVEL"
	EnvHistoryDir = "BETTER_MORNING_HISTORY_DIR"
	EnvOutputMode = "BETTER_MORNING_OUTPUT_MODE"
)

// History backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Output modes.
const (
	OutputGitHubRelease = "github_release"
	OutputEmail         = "email"
	OutputTelegram      = "telegram"
	OutputLocal         = "local"
)

// Global holds settings shared by every collection.
type Global struct {
	LogLevel            string             `toml:"log_level" yaml:"log_level"`
	CollectionsGlob     string             `toml:"collections_glob" yaml:"collections_glob"`
	LLMFile             LLMOverrides       `toml:"llm" yaml:"llm"`
	TokenSizeThreshold  int                `toml:"token_size_threshold" yaml:"token_size_threshold"`
	CharsPerToken       int                `toml:"chars_per_token" yaml:"chars_per_token"`
	ContextDigestSize   int                `toml:"context_digest_size" yaml:"context_digest_size"`
	SelectionMultiplier int                `toml:"selection_multiplier" yaml:"selection_multiplier"`
	MaxPDFBytes         int64              `toml:"max_pdf_bytes" yaml:"max_pdf_bytes"`
	LLMAPIKeyEnv        string             `toml:"llm_api_key_env" yaml:"llm_api_key_env"`
	LLMBaseURL          string             `toml:"llm_base_url" yaml:"llm_base_url"`
	LLMConcurrency      int                `toml:"llm_concurrency" yaml:"llm_concurrency"`
	LLMTimeoutSeconds   int                `toml:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`
	Extraction          ExtractionSettings `toml:"content_extraction" yaml:"content_extraction"`
	FeedDefaults        FeedDefaults       `toml:"feed_defaults" yaml:"feed_defaults"`
	History             HistorySettings    `toml:"history" yaml:"history"`
	Output              OutputSettings     `toml:"output" yaml:"output"`
	Cache               CacheSettings      `toml:"cache" yaml:"cache"`

	// LLM is LLMFile merged over the built-in defaults.
	LLM LLMSettings `toml:"-" yaml:"-"`
}

// ExtractionSettings bound the content extraction stage.
type ExtractionSettings struct {
	BatchSize             int  `toml:"batch_size" yaml:"batch_size"`
	BrowserPages          int  `toml:"browser_pages" yaml:"browser_pages"`
	TimeoutSeconds        int  `toml:"timeout_seconds" yaml:"timeout_seconds"`
	FetchTimeoutSeconds   int  `toml:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds"`
	BrowserTimeoutSeconds int  `toml:"browser_timeout_seconds" yaml:"browser_timeout_seconds"`
	MaxLinks              int  `toml:"max_links" yaml:"max_links"`
	MinDelayMillis        int  `toml:"min_delay_ms" yaml:"min_delay_ms"`
	MaxDelayMillis        int  `toml:"max_delay_ms" yaml:"max_delay_ms"`
	DisableBrowser        bool `toml:"disable_browser" yaml:"disable_browser"`
}

// FeedDefaults apply to feeds that don't set their own values.
type FeedDefaults struct {
	MaxArticles    int `toml:"max_articles" yaml:"max_articles"`
	TimeoutSeconds int `toml:"timeout_seconds" yaml:"timeout_seconds"`
	Retries        int `toml:"retries" yaml:"retries"`
}

// HistorySettings select where processed articles are remembered.
type HistorySettings struct {
	Backend string `toml:"backend" yaml:"backend"`
	Dir     string `toml:"dir" yaml:"dir"`
}

// OutputSettings configure digest delivery. Credentials are named by env var, never inlined.
type OutputSettings struct {
	Mode     string           `toml:"mode" yaml:"mode"`
	LocalDir string           `toml:"local_dir" yaml:"local_dir"`
	Email    EmailSettings    `toml:"email" yaml:"email"`
	GitHub   GitHubSettings   `toml:"github" yaml:"github"`
	Telegram TelegramSettings `toml:"telegram" yaml:"telegram"`
}

// EmailSettings configure SMTP delivery.
type EmailSettings struct {
	SMTPServer  string `toml:"smtp_server" yaml:"smtp_server"`
	SMTPPort    int    `toml:"smtp_port" yaml:"smtp_port"`
	Sender      string `toml:"sender" yaml:"sender"`
	Recipient   string `toml:"recipient" yaml:"recipient"`
	UsernameEnv string `toml:"username_env" yaml:"username_env"`
	PasswordEnv string `toml:"password_env" yaml:"password_env"`
}

// GitHubSettings configure release publishing.
type GitHubSettings struct {
	TokenEnv      string `toml:"token_env" yaml:"token_env"`
	RepositoryEnv string `toml:"repository_env" yaml:"repository_env"`
}

// TelegramSettings configure Telegram delivery.
type TelegramSettings struct {
	TokenEnv  string `toml:"token_env" yaml:"token_env"`
	ChatIDEnv string `toml:"chat_id_env" yaml:"chat_id_env"`
}

// CacheSettings configure the optional summary cache.
type CacheSettings struct {
	RedisURLEnv string `toml:"redis_url_env" yaml:"redis_url_env"`
	TTLHours    int    `toml:"ttl_hours" yaml:"ttl_hours"`
}

// Default returns a Global with every default applied.
func Default() *Global {
	g := &Global{}
	g.applyDefaults()
	return g
}

// LoadGlobal reads the global configuration file and applies env overrides.
// A missing file yields the defaults.
func LoadGlobal(path string) (*Global, error) {
	g := &Global{}
	if path != "" {
		if err := decodeFile(path, g); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load global config: %w", err)
			}
		}
	}
	g.applyDefaults()
	g.applyEnvOverrides()

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Global) applyDefaults() {
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.CollectionsGlob == "" {
		g.CollectionsGlob = "collections/*.toml"
	}
	if g.TokenSizeThreshold <= 0 {
		g.TokenSizeThreshold = 100_000
	}
	if g.CharsPerToken <= 0 {
		g.CharsPerToken = 4
	}
	if g.ContextDigestSize <= 0 {
		g.ContextDigestSize = 3
	}
	if g.SelectionMultiplier <= 0 {
		g.SelectionMultiplier = 3
	}
	if g.MaxPDFBytes <= 0 {
		g.MaxPDFBytes = 20 << 20
	}
	if g.LLMAPIKeyEnv == "" {
		g.LLMAPIKeyEnv = "BETTER_MORNING_LLM_API_KEY"
	}
	if g.LLMConcurrency <= 0 {
		g.LLMConcurrency = 4
	}
	if g.LLMTimeoutSeconds <= 0 {
		g.LLMTimeoutSeconds = 120
	}

	e := &g.Extraction
	if e.BatchSize <= 0 {
		e.BatchSize = 5
	}
	if e.BrowserPages <= 0 {
		e.BrowserPages = 3
	}
	if e.TimeoutSeconds <= 0 {
		e.TimeoutSeconds = 120
	}
	if e.FetchTimeoutSeconds <= 0 {
		e.FetchTimeoutSeconds = 30
	}
	if e.BrowserTimeoutSeconds <= 0 {
		e.BrowserTimeoutSeconds = 60
	}
	if e.MaxLinks <= 0 || e.MaxLinks > MaxFollowedLinks {
		e.MaxLinks = MaxFollowedLinks
	}
	if e.MinDelayMillis <= 0 && e.MaxDelayMillis <= 0 {
		e.MinDelayMillis, e.MaxDelayMillis = 500, 2000
	}
	if e.MaxDelayMillis < e.MinDelayMillis {
		e.MaxDelayMillis = e.MinDelayMillis
	}

	if g.FeedDefaults.MaxArticles <= 0 {
		g.FeedDefaults.MaxArticles = 10
	}
	if g.FeedDefaults.TimeoutSeconds <= 0 {
		g.FeedDefaults.TimeoutSeconds = 30
	}
	if g.FeedDefaults.Retries <= 0 {
		g.FeedDefaults.Retries = 3
	}

	if g.History.Backend == "" {
		g.History.Backend = BackendJSON
	}
	if g.History.Dir == "" {
		g.History.Dir = "history"
	}

	o := &g.Output
	if o.Mode == "" {
		o.Mode = OutputLocal
	}
	if o.LocalDir == "" {
		o.LocalDir = "digests"
	}
	if o.Email.SMTPPort == 0 {
		o.Email.SMTPPort = 587
	}
	if o.Email.UsernameEnv == "" {
		o.Email.UsernameEnv = "BETTER_MORNING_SMTP_USERNAME"
	}
	if o.Email.PasswordEnv == "" {
		o.Email.PasswordEnv = "BETTER_MORNING_SMTP_PASSWORD"
	}
	if o.GitHub.TokenEnv == "" {
		o.GitHub.TokenEnv = "BETTER_MORNING_GH_TOKEN"
	}
	if o.GitHub.RepositoryEnv == "" {
		o.GitHub.RepositoryEnv = "GITHUB_REPOSITORY"
	}
	if o.Telegram.TokenEnv == "" {
		o.Telegram.TokenEnv = "BETTER_MORNING_TELEGRAM_TOKEN"
	}
	if o.Telegram.ChatIDEnv == "" {
		o.Telegram.ChatIDEnv = "BETTER_MORNING_TELEGRAM_CHAT_ID"
	}

	if g.Cache.RedisURLEnv == "" {
		g.Cache.RedisURLEnv = "BETTER_MORNING_REDIS_URL"
	}
	if g.Cache.TTLHours <= 0 {
		g.Cache.TTLHours = 7 * 24
	}

	g.LLM = DefaultLLM().Merge(g.LLMFile)
}

func (g *Global) applyEnvOverrides() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		g.LogLevel = v
	}
	if v := os.Getenv(EnvHistoryDir); v != "" {
		g.History.Dir = v
	}
	if v := os.Getenv(EnvOutputMode); v != "" {
		g.Output.Mode = v
	}
}

// Validate checks values that have no safe default.
func (g *Global) Validate() error {
	switch g.History.Backend {
	case BackendJSON, BackendSQLite:
	default:
		return &ValidationError{Field: "history.backend", Message: fmt.Sprintf("unknown backend %q", g.History.Backend)}
	}
	switch g.Output.Mode {
	case OutputGitHubRelease, OutputEmail, OutputTelegram, OutputLocal:
	default:
		return &ValidationError{Field: "output.mode", Message: fmt.Sprintf("unknown mode %q", g.Output.Mode)}
	}
	if g.Output.Mode == OutputEmail && (g.Output.Email.SMTPServer == "" || g.Output.Email.Recipient == "") {
		return &ValidationError{Field: "output.email", Message: "smtp_server and recipient are required"}
	}
	if g.Extraction.MinDelayMillis < 0 {
		return &ValidationError{Field: "content_extraction.min_delay_ms", Message: "must not be negative"}
	}
	if g.LLM.NMostImportantNews <= 0 {
		return &ValidationError{Field: "llm.n_most_important_news", Message: "must be positive"}
	}
	return nil
}

// HistoryPath returns the SQLite database path for the sqlite backend.
func (g *Global) HistoryPath() string {
	return strings.TrimSuffix(g.History.Dir, "/") + "/history.db"
}

// Seconds converts a configured number of seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a configured number of milliseconds to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
