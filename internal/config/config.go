// Package config provides configuration management for pveprov.
//
// Values resolve in order: environment variable > ~/.pveprov/config.env >
// default. The config file uses dotenv syntax so it can be sourced by a
// shell as well.
package config

import (
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/jxucoder/pveprov/pkg/proxmox"
)

// LLM provider selection.
const (
	ProviderAuto      = "auto"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// DefaultLogLevel keeps CLI output quiet unless asked otherwise.
const DefaultLogLevel = "warn"

// Config holds all configuration for pveprov.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// Proxmox holds the connection settings for the cluster.
	Proxmox proxmox.Config

	// ProxmoxRateLimit caps collector requests per second. 0 disables pacing.
	ProxmoxRateLimit float64

	// ProxmoxTokenID is the API token id written into generated Terraform.
	ProxmoxTokenID string

	AnthropicAPIKey string
	OpenAIAPIKey    string

	// LLMProvider is auto, anthropic or openai. auto prefers Anthropic.
	LLMProvider string
	// LLMModel overrides the provider's default model.
	LLMModel string

	// MaxIterations bounds the review/refine loop. Default: 10.
	MaxIterations int

	// MaxConcurrentRuns bounds how many runs execute at once. Default: 2.
	MaxConcurrentRuns int

	LogJSON  bool
	LogLevel string

	// SlackWebhookURL receives run notifications when set.
	SlackWebhookURL string

	// Telegram notifications need both the bot token and a chat id.
	TelegramBotToken string
	TelegramChatID   int64
}

// Key describes a single configuration value.
type Key struct {
	Name    string
	Desc    string
	Default string
	Secret  bool
}

// Keys lists every configurable value in display order.
var Keys = []Key{
	{Name: "PVEPROV_DATA_DIR", Desc: "Directory for the database", Default: ""},
	{Name: "PVEPROV_ADDR", Desc: "HTTP listen address", Default: ":7080"},
	{Name: "PROXMOX_HOST", Desc: "Proxmox VE host or IP"},
	{Name: "PROXMOX_PORT", Desc: "Proxmox VE API port", Default: "8006"},
	{Name: "PROXMOX_USERNAME", Desc: "Proxmox user (optionally user@realm)"},
	{Name: "PROXMOX_PASSWORD", Desc: "Proxmox password", Secret: true},
	{Name: "PROXMOX_REALM", Desc: "Realm appended to unqualified usernames", Default: "pam"},
	{Name: "PROXMOX_INSECURE_SKIP_VERIFY", Desc: "Skip TLS certificate verification", Default: "false"},
	{Name: "PROXMOX_CA_CERT", Desc: "PEM file with the cluster CA"},
	{Name: "PROXMOX_TIMEOUT", Desc: "HTTP timeout per request", Default: "30s"},
	{Name: "PROXMOX_RATE_LIMIT", Desc: "Collector requests per second", Default: "10"},
	{Name: "PROXMOX_TOKEN_ID", Desc: "API token id for generated Terraform"},
	{Name: "ANTHROPIC_API_KEY", Desc: "Anthropic API key", Secret: true},
	{Name: "OPENAI_API_KEY", Desc: "OpenAI API key", Secret: true},
	{Name: "PVEPROV_LLM_PROVIDER", Desc: "auto, anthropic or openai", Default: ProviderAuto},
	{Name: "PVEPROV_LLM_MODEL", Desc: "Model override"},
	{Name: "PVEPROV_MAX_ITERATIONS", Desc: "Review/refine iterations (max 25)", Default: "10"},
	{Name: "PVEPROV_MAX_CONCURRENT_RUNS", Desc: "Runs executed at once", Default: "2"},
	{Name: "PVEPROV_LOG_JSON", Desc: "Log as JSON", Default: "false"},
	{Name: "PVEPROV_LOG_LEVEL", Desc: "debug, info, warn or error", Default: DefaultLogLevel},
	{Name: "SLACK_WEBHOOK_URL", Desc: "Slack incoming webhook for notifications", Secret: true},
	{Name: "TELEGRAM_BOT_TOKEN", Desc: "Telegram bot token (from @BotFather)", Secret: true},
	{Name: "TELEGRAM_CHAT_ID", Desc: "Telegram chat id for notifications"},
}

// LookupKey returns the Key named name (case-insensitive).
func LookupKey(name string) (Key, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, k := range Keys {
		if k.Name == name {
			return k, true
		}
	}
	return Key{}, false
}

// Load reads ~/.pveprov/config.env and the environment.
func Load() (*Config, error) {
	return LoadFile(FilePath())
}

// LoadFile is Load with an explicit config file. A missing file is not an
// error.
func LoadFile(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	dataDir := v.GetString("PVEPROV_DATA_DIR")
	if dataDir == "" {
		dataDir = homeDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating data directory")
	}

	timeout, err := parseDuration(v.GetString("PROXMOX_TIMEOUT"))
	if err != nil {
		return nil, errors.Wrap(err, "PROXMOX_TIMEOUT")
	}

	cfg := &Config{
		ServerAddr:   v.GetString("PVEPROV_ADDR"),
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "pveprov.db"),
		Proxmox: proxmox.Config{
			Host:               v.GetString("PROXMOX_HOST"),
			Port:               v.GetInt("PROXMOX_PORT"),
			Username:           v.GetString("PROXMOX_USERNAME"),
			Realm:              v.GetString("PROXMOX_REALM"),
			Password:           v.GetString("PROXMOX_PASSWORD"),
			InsecureSkipVerify: v.GetBool("PROXMOX_INSECURE_SKIP_VERIFY"),
			CACertFile:         v.GetString("PROXMOX_CA_CERT"),
			Timeout:            timeout,
		},
		ProxmoxRateLimit:  v.GetFloat64("PROXMOX_RATE_LIMIT"),
		ProxmoxTokenID:    v.GetString("PROXMOX_TOKEN_ID"),
		AnthropicAPIKey:   v.GetString("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:      v.GetString("OPENAI_API_KEY"),
		LLMProvider:       strings.ToLower(v.GetString("PVEPROV_LLM_PROVIDER")),
		LLMModel:          v.GetString("PVEPROV_LLM_MODEL"),
		MaxIterations:     v.GetInt("PVEPROV_MAX_ITERATIONS"),
		MaxConcurrentRuns: v.GetInt("PVEPROV_MAX_CONCURRENT_RUNS"),
		LogJSON:           v.GetBool("PVEPROV_LOG_JSON"),
		LogLevel:          v.GetString("PVEPROV_LOG_LEVEL"),
		SlackWebhookURL:   v.GetString("SLACK_WEBHOOK_URL"),
		TelegramBotToken:  v.GetString("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    v.GetInt64("TELEGRAM_CHAT_ID"),
	}
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = 1
	}
	return cfg, nil
}

// newViper layers defaults, the config file and the environment. Keys are
// bound by their full names since they do not share one prefix.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	for _, k := range Keys {
		if k.Default != "" {
			v.SetDefault(k.Name, k.Default)
		}
		if err := v.BindEnv(k.Name); err != nil {
			return nil, errors.Wrapf(err, "binding %s", k.Name)
		}
	}

	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	return v, nil
}

// parseDuration accepts Go durations ("45s") and bare seconds ("45").
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate checks that everything a provisioning run needs is present.
func (c *Config) Validate() error {
	if err := c.ValidateProxmox(); err != nil {
		return err
	}
	return c.ValidateLLM()
}

// ValidateProxmox checks the Proxmox connection settings only. fetch and
// collect need nothing else.
func (c *Config) ValidateProxmox() error {
	return c.Proxmox.Validate()
}

// ValidateLLM checks the provider selection against the configured keys.
func (c *Config) ValidateLLM() error {
	switch c.LLMProvider {
	case ProviderAuto, "":
		if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
			return errors.WithHint(
				errors.New("at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY is required"),
				"run: pveprov config set ANTHROPIC_API_KEY <key>",
			)
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return errors.New("ANTHROPIC_API_KEY is required when PVEPROV_LLM_PROVIDER=anthropic")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required when PVEPROV_LLM_PROVIDER=openai")
		}
	default:
		return errors.Newf("unknown PVEPROV_LLM_PROVIDER %q (want auto, anthropic or openai)", c.LLMProvider)
	}
	return nil
}

// Provider resolves auto to a concrete provider.
func (c *Config) Provider() string {
	if c.LLMProvider != ProviderAuto && c.LLMProvider != "" {
		return c.LLMProvider
	}
	if c.AnthropicAPIKey != "" {
		return ProviderAnthropic
	}
	return ProviderOpenAI
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackWebhookURL != ""
}

// TelegramEnabled returns true if Telegram notifications are configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// ProxmoxAPIURL is the API base URL written into generated Terraform.
func (c *Config) ProxmoxAPIURL() string {
	if c.Proxmox.Host == "" {
		return ""
	}
	port := c.Proxmox.Port
	if port == 0 {
		port = proxmox.DefaultPort
	}
	return "https://" + net.JoinHostPort(c.Proxmox.Host, strconv.Itoa(port)) + "/api2/json"
}

// FilePath returns ~/.pveprov/config.env.
func FilePath() string {
	return filepath.Join(homeDataDir(), "config.env")
}

func homeDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pveprov"
	}
	return filepath.Join(home, ".pveprov")
}
