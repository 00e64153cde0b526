package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shutterdesk/autoresponder/internal/delivery"
	"github.com/shutterdesk/autoresponder/internal/gate"
	"github.com/shutterdesk/autoresponder/internal/inbound"
)

// Environment variables that override secrets from the YAML file
const (
	EnvSMTPPassword   = "AUTORESPONDER_SMTP_PASSWORD"
	EnvResendAPIKey   = "AUTORESPONDER_RESEND_API_KEY"
	EnvSendGridAPIKey = "AUTORESPONDER_SENDGRID_API_KEY"
	EnvIMAPPassword   = "AUTORESPONDER_IMAP_PASSWORD"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Studio    Studio               `yaml:"studio"`
	Email     EmailConfig          `yaml:"email"`
	Inbox     InboxConfig          `yaml:"inbox,omitempty"`
	Policies  Policies             `yaml:"policies"`
	Dispatch  DispatchConfig       `yaml:"dispatch"`
	Retry     delivery.RetryPolicy `yaml:"retry"`
	Server    ServerConfig         `yaml:"server"`
	Store     StoreConfig          `yaml:"store"`
	Templates TemplatesConfig      `yaml:"templates,omitempty"`
}

// Studio identifies the business replying to inquiries
type Studio struct {
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Timezone string `yaml:"timezone"` // IANA name; working hours and daily limits use it
}

type EmailConfig struct {
	Provider string       `yaml:"provider"` // "smtp", "resend", "sendgrid" or "dryrun"
	From     string       `yaml:"from"`
	FromName string       `yaml:"from_name,omitempty"`
	SMTP     SMTPConfig   `yaml:"smtp,omitempty"`
	Resend   APIKeyConfig `yaml:"resend,omitempty"`
	SendGrid APIKeyConfig `yaml:"sendgrid,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

type APIKeyConfig struct {
	APIKey string `yaml:"api_key"`
}

// InboxConfig holds IMAP settings for pulling inbound mail
type InboxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Provider      string        `yaml:"provider"` // "gmail", "outlook", "imap"
	Server        string        `yaml:"server"`
	Port          int           `yaml:"port"`
	Email         string        `yaml:"email"`
	Password      string        `yaml:"password"` // app password
	Folder        string        `yaml:"folder"`
	SinceDays     int           `yaml:"since_days"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	AutoArchive   bool          `yaml:"auto_archive"`
	ArchiveFolder string        `yaml:"archive_folder"`
}

type Policies struct {
	Email  PolicyConfig `yaml:"email"`
	Social PolicyConfig `yaml:"social"`
}

// PolicyConfig is the YAML form of gate.Policy
type PolicyConfig struct {
	Enabled       bool          `yaml:"enabled"`
	AutoRespond   bool          `yaml:"auto_respond"`
	ResponseDelay time.Duration `yaml:"response_delay"`
	MaxPerDay     int           `yaml:"max_per_day"`
	WorkingHours  HoursConfig   `yaml:"working_hours"`
	MinLength     int           `yaml:"min_length"`
	ExcludeSpam   bool          `yaml:"exclude_spam"`
	SpamKeywords  []string      `yaml:"spam_keywords,omitempty"`
	MaxHashtags   int           `yaml:"max_hashtags,omitempty"`
	MaxMentions   int           `yaml:"max_mentions,omitempty"`
}

type HoursConfig struct {
	Start string `yaml:"start"` // HH:MM
	End   string `yaml:"end"`
}

type DispatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
	DryRun       bool          `yaml:"dry_run"`
	Seed         int64         `yaml:"seed,omitempty"` // 0 seeds from the clock
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	RatePerMin  int    `yaml:"rate_per_min"` // public intake requests per client IP
	RateBurst   int    `yaml:"rate_burst"`
	CSRFKey     string `yaml:"csrf_key,omitempty"` // 32 bytes; random per process when empty
	TrustedHost string `yaml:"trusted_host,omitempty"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path,omitempty"`
}

type TemplatesConfig struct {
	Path string `yaml:"path,omitempty"` // empty uses the built-in catalog
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".autoresponder", "config.yaml")
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".autoresponder")
}

// Default returns a configuration that runs without any external service:
// in-memory store, dry-run delivery.
func Default() *Config {
	return &Config{
		Studio: Studio{
			Name:     "Studio",
			Timezone: "America/New_York",
		},
		Email: EmailConfig{Provider: "dryrun"},
		Inbox: InboxConfig{
			Folder:        "INBOX",
			SinceDays:     7,
			PollInterval:  5 * time.Minute,
			ArchiveFolder: "Autoresponder",
		},
		Policies: Policies{
			Email: PolicyConfig{
				Enabled:       true,
				AutoRespond:   true,
				ResponseDelay: 5 * time.Minute,
				MaxPerDay:     50,
				WorkingHours:  HoursConfig{Start: "09:00", End: "18:00"},
				MinLength:     10,
				ExcludeSpam:   true,
				SpamKeywords:  []string{"viagra", "casino", "crypto", "seo services", "backlinks"},
			},
			Social: PolicyConfig{
				Enabled:       true,
				AutoRespond:   true,
				ResponseDelay: 2 * time.Minute,
				MaxPerDay:     100,
				WorkingHours:  HoursConfig{Start: "08:00", End: "22:00"},
				MinLength:     3,
				ExcludeSpam:   true,
				SpamKeywords:  []string{"follow for follow", "free followers", "dm for promo", "check my page", "crypto"},
				MaxHashtags:   10,
				MaxMentions:   5,
			},
		},
		Dispatch: DispatchConfig{
			PollInterval: time.Minute,
			Workers:      4,
		},
		Retry: delivery.DefaultRetryPolicy(),
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       8080,
			RatePerMin: 10,
			RateBurst:  5,
		},
		Store: StoreConfig{Driver: "memory"},
	}
}

// Load reads a YAML config over the defaults, then applies environment
// overrides. A .env file next to the config is loaded when present.
func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Config file permissions")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Email.SMTP.Password, EnvSMTPPassword)
	override(&c.Email.Resend.APIKey, EnvResendAPIKey)
	override(&c.Email.SendGrid.APIKey, EnvSendGridAPIKey)
	override(&c.Inbox.Password, EnvIMAPPassword)
}

func (c *Config) applyDefaults() {
	if c.Email.Provider == "" {
		c.Email.Provider = "dryrun"
	}
	if c.Email.From == "" {
		c.Email.From = c.Studio.Email
	}
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Inbox.Provider == "gmail" && c.Inbox.Server == "" {
		c.Inbox.Server = "imap.gmail.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Provider == "outlook" && c.Inbox.Server == "" {
		c.Inbox.Server = "outlook.office365.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Email == "" {
		c.Inbox.Email = c.Studio.Email
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 1
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = filepath.Join(DefaultDataDir(), "autoresponder.db")
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Location resolves the studio timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Studio.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Studio.Timezone)
	if err != nil {
		return nil, fmt.Errorf("studio: invalid timezone %q: %w", c.Studio.Timezone, err)
	}
	return loc, nil
}

// Policy converts the channel's YAML policy into a gate.Policy
func (c *Config) Policy(ch inbound.Channel) (gate.Policy, error) {
	var pc PolicyConfig
	switch ch {
	case inbound.ChannelEmail:
		pc = c.Policies.Email
	case inbound.ChannelSocial:
		pc = c.Policies.Social
	default:
		return gate.Policy{}, fmt.Errorf("unknown channel %q", ch)
	}

	loc, err := c.Location()
	if err != nil {
		return gate.Policy{}, err
	}
	start, err := gate.ParseClock(pc.WorkingHours.Start)
	if err != nil {
		return gate.Policy{}, fmt.Errorf("policies.%s.working_hours.start: %w", ch, err)
	}
	end, err := gate.ParseClock(pc.WorkingHours.End)
	if err != nil {
		return gate.Policy{}, fmt.Errorf("policies.%s.working_hours.end: %w", ch, err)
	}
	if start >= end {
		return gate.Policy{}, fmt.Errorf("policies.%s.working_hours: start %s must be before end %s", ch, start, end)
	}

	return gate.Policy{
		Enabled:       pc.Enabled,
		AutoRespond:   pc.AutoRespond,
		ResponseDelay: pc.ResponseDelay,
		MaxPerDay:     pc.MaxPerDay,
		WorkingHours:  gate.WorkingHours{Start: start, End: end, Location: loc},
		MinLength:     pc.MinLength,
		ExcludeSpam:   pc.ExcludeSpam,
		Spam: gate.SpamRules{
			Keywords:    pc.SpamKeywords,
			MaxHashtags: pc.MaxHashtags,
			MaxMentions: pc.MaxMentions,
		},
	}, nil
}

// GatePolicies converts both channel policies
func (c *Config) GatePolicies() (map[inbound.Channel]gate.Policy, error) {
	out := make(map[inbound.Channel]gate.Policy, 2)
	for _, ch := range []inbound.Channel{inbound.ChannelEmail, inbound.ChannelSocial} {
		p, err := c.Policy(ch)
		if err != nil {
			return nil, err
		}
		out[ch] = p
	}
	return out, nil
}

// Validate reports the first configuration error. Callers treat any error
// as fatal at startup.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.GatePolicies(); err != nil {
		return err
	}
	for ch, pc := range map[string]PolicyConfig{"email": c.Policies.Email, "social": c.Policies.Social} {
		if pc.MaxPerDay < 0 {
			return fmt.Errorf("policies.%s: max_per_day must not be negative", ch)
		}
		if pc.MinLength < 0 {
			return fmt.Errorf("policies.%s: min_length must not be negative", ch)
		}
		if pc.ResponseDelay < 0 {
			return fmt.Errorf("policies.%s: response_delay must not be negative", ch)
		}
	}

	switch c.Email.Provider {
	case "dryrun":
	case "smtp":
		if c.Email.SMTP.Host == "" {
			return fmt.Errorf("email.smtp: host is required")
		}
		if c.Email.SMTP.Port == 0 {
			return fmt.Errorf("email.smtp: port is required")
		}
	case "resend":
		if c.Email.Resend.APIKey == "" {
			return fmt.Errorf("email.resend: api_key is required (or set %s)", EnvResendAPIKey)
		}
	case "sendgrid":
		if c.Email.SendGrid.APIKey == "" {
			return fmt.Errorf("email.sendgrid: api_key is required (or set %s)", EnvSendGridAPIKey)
		}
	default:
		return fmt.Errorf("email: unknown provider %q (smtp, resend, sendgrid or dryrun)", c.Email.Provider)
	}
	if c.Email.Provider != "dryrun" && c.Email.From == "" {
		return fmt.Errorf("email: from address is required")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be at least 1")
	}
	if c.Retry.Timeout <= 0 {
		return fmt.Errorf("retry: timeout must be positive")
	}
	if c.Dispatch.PollInterval <= 0 {
		return fmt.Errorf("dispatch: poll_interval must be positive")
	}

	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store: unknown driver %q (memory or sqlite)", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Server.CSRFKey != "" && len(c.Server.CSRFKey) != 32 {
		return fmt.Errorf("server: csrf_key must be exactly 32 bytes")
	}
	return nil
}

// ValidateInbox validates inbox configuration (only called when inbox monitoring is used)
func (c *Config) ValidateInbox() error {
	if !c.Inbox.Enabled {
		return fmt.Errorf("inbox: monitoring is not enabled in config")
	}
	if c.Inbox.Email == "" {
		return fmt.Errorf("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) is required")
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}
