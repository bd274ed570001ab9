package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// CategoryPolicy holds the rule-strategy signal tables and the gate
// thresholds for a single category.
type CategoryPolicy struct {
	// Keywords are matched against subject and body (lowercased,
	// substring). Subject hits weigh double.
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`

	// Senders is an allowlist of sender substrings; a hit adds a
	// fixed bonus to the category score.
	Senders []string `mapstructure:"senders" yaml:"senders"`

	// BaseConfidence is the confidence assigned at full saturation.
	BaseConfidence float64 `mapstructure:"base_confidence" yaml:"base_confidence"`

	// Thresholds gate the decided action.
	Low    float64 `mapstructure:"low" yaml:"low"`
	Medium float64 `mapstructure:"medium" yaml:"medium"`
	High   float64 `mapstructure:"high" yaml:"high"`
}

// PolicyConfig is the read-only classification and decision policy
// consumed by the classifier and the gate.
type PolicyConfig struct {
	// Categories maps each category name to its policy tables.
	Categories map[Category]CategoryPolicy `mapstructure:"categories" yaml:"categories"`

	// Saturation is the match count at which rule confidence reaches
	// the category's base confidence. Tunable; defaults to 3.
	Saturation int `mapstructure:"saturation" yaml:"saturation"`

	// SenderBonus is the score added for an allowlisted sender.
	SenderBonus int `mapstructure:"sender_bonus" yaml:"sender_bonus"`
}

// ForCategory returns the policy for c, or a zero policy if the
// configuration omits it.
func (p PolicyConfig) ForCategory(c Category) CategoryPolicy {
	return p.Categories[c]
}

// AIConfig holds settings for the model classification strategy.
type AIConfig struct {
	Model      string `mapstructure:"model" yaml:"model"`
	MaxTokens  int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// Concurrency bounds the number of in-flight model calls.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`

	// Enabled toggles the model strategy entirely; when false every
	// classification uses the rule strategy.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// MailboxConfig selects and configures the mail source backend.
type MailboxConfig struct {
	// Provider is "gmail" or "imap".
	Provider string `mapstructure:"provider" yaml:"provider"`

	// Gmail API settings.
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`

	// IMAP settings.
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort string `mapstructure:"imap_port" yaml:"imap_port"`
	Username string `mapstructure:"username" yaml:"username"`
	UseTLS   bool   `mapstructure:"use_tls" yaml:"use_tls"`
}

// PipelineConfig holds the mode-level tunables.
type PipelineConfig struct {
	// PollIntervalSec is the listener's check interval.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// ChunkSize bounds how many messages a batch window holds in
	// memory at once.
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`

	// MaxPerRun caps messages fetched per invocation.
	MaxPerRun int `mapstructure:"max_per_run" yaml:"max_per_run"`

	// PendingGraceSec is how long a Pending record may sit before the
	// next run reaps it as Skipped.
	PendingGraceSec int `mapstructure:"pending_grace_sec" yaml:"pending_grace_sec"`

	// RetentionDays controls the explicit cleanup operation.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`
}

// NotifyConfig controls desktop notifications for important mail.
type NotifyConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Sound   bool `mapstructure:"sound" yaml:"sound"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DBPath   string         `mapstructure:"db_path" yaml:"db_path"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox" yaml:"mailbox"`
	AI       AIConfig       `mapstructure:"ai" yaml:"ai"`
	Policy   PolicyConfig   `mapstructure:"policy" yaml:"policy"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
}

// DefaultConfigPath returns the default configuration file location,
// ~/.config/emailagent/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "emailagent", "config.yaml")
}

// DefaultPolicy returns the built-in classification policy. Keyword
// tables are starting points meant to be overridden per deployment.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		Saturation:  3,
		SenderBonus: 2,
		Categories: map[Category]CategoryPolicy{
			CategoryImportant: {
				Keywords: []string{
					"urgent", "asap", "deadline", "invoice", "meeting",
					"contract", "action required", "interview", "payment due",
				},
				Senders:        []string{},
				BaseConfidence: 0.6,
				Low:            0.3, Medium: 0.6, High: 0.85,
			},
			CategoryPromotional: {
				Keywords: []string{
					"sale", "discount", "offer", "unsubscribe", "newsletter",
					"deal", "coupon", "limited time", "% off",
				},
				Senders:        []string{"noreply", "marketing", "promo"},
				BaseConfidence: 0.7,
				Low:            0.4, Medium: 0.6, High: 0.8,
			},
			CategorySocial: {
				Keywords: []string{
					"friend request", "mentioned you", "tagged you", "followed you",
					"new follower", "commented on", "liked your",
				},
				Senders:        []string{"facebook", "twitter", "linkedin", "instagram"},
				BaseConfidence: 0.7,
				Low:            0.4, Medium: 0.6, High: 0.8,
			},
			CategoryJunk: {
				Keywords: []string{
					"lottery", "winner", "claim", "prize", "free money",
					"wire transfer", "act now", "viagra", "you have been selected",
				},
				Senders:        []string{},
				BaseConfidence: 0.8,
				Low:            0.5, Medium: 0.7, High: 0.9,
			},
		},
	}
}

func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DBPath: filepath.Join(".", "data", "emailagent.db"),
		Mailbox: MailboxConfig{
			Provider: "gmail",
			IMAPPort: "993",
			UseTLS:   true,
		},
		AI: AIConfig{
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   1024,
			TimeoutSec:  30,
			Concurrency: 4,
			Enabled:     true,
		},
		Policy: DefaultPolicy(),
		Pipeline: PipelineConfig{
			PollIntervalSec: 60,
			ChunkSize:       10,
			MaxPerRun:       100,
			PendingGraceSec: 3600,
			RetentionDays:   90,
		},
		Notify: NotifyConfig{Enabled: true, Sound: true},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. A missing file yields the built-in defaults.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("db_path", filepath.Join(".", "data", "emailagent.db"))
	v.SetDefault("mailbox.provider", "gmail")
	v.SetDefault("mailbox.imap_port", "993")
	v.SetDefault("mailbox.use_tls", true)
	v.SetDefault("ai.model", "claude-sonnet-4-20250514")
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("ai.timeout_sec", 30)
	v.SetDefault("ai.concurrency", 4)
	v.SetDefault("ai.enabled", true)
	v.SetDefault("policy.saturation", 3)
	v.SetDefault("policy.sender_bonus", 2)
	v.SetDefault("pipeline.poll_interval_sec", 60)
	v.SetDefault("pipeline.chunk_size", 10)
	v.SetDefault("pipeline.max_per_run", 100)
	v.SetDefault("pipeline.pending_grace_sec", 3600)
	v.SetDefault("pipeline.retention_days", 90)
	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.sound", true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// A config that names no categories keeps the built-in tables.
	if len(cfg.Policy.Categories) == 0 {
		cfg.Policy.Categories = DefaultPolicy().Categories
	}

	return cfg, nil
}

// SaveConfig writes the configuration as YAML, creating parent
// directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("db_path", cfg.DBPath)
	v.Set("mailbox", cfg.Mailbox)
	v.Set("ai", cfg.AI)
	v.Set("policy", cfg.Policy)
	v.Set("pipeline", cfg.Pipeline)
	v.Set("notify", cfg.Notify)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
