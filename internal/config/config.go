// Package config loads threadwatch settings from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Reply modes.
const (
	ModeReplyAll = "reply_all"
	ModeEcho     = "echo"
)

// Reply transports.
const (
	TransportGmail = "gmail"
	TransportSMTP  = "smtp"
)

type Config struct {
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	Server   ServerConfig   `yaml:"server"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Reply    ReplyConfig    `yaml:"reply"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Watch    WatchConfig    `yaml:"watch"`
	Telegram TelegramConfig `yaml:"telegram"`
	Startup  StartupConfig  `yaml:"startup"`
	Storage  StorageConfig  `yaml:"storage"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
}

type MailboxConfig struct {
	// Address is the bot's own mailbox; notifications for any other
	// address are ignored.
	Address       string `yaml:"address"`
	ClientSecrets string `yaml:"client_secrets"`
	TokenPath     string `yaml:"token"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type WebhookConfig struct {
	Path string `yaml:"path"`
	// Token, when set, must match the push subscription's ?token= query.
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type ReplyConfig struct {
	Mode         string `yaml:"mode"`
	Transport    string `yaml:"transport"`
	Template     string `yaml:"template"`
	EchoTemplate string `yaml:"echo_template"`
}

type SMTPConfig struct {
	Address     string `yaml:"address"`
	Username    string `yaml:"username"`
	AppPassword string `yaml:"app_password"`
}

type WatchConfig struct {
	ProjectID string   `yaml:"project_id"`
	Topic     string   `yaml:"topic"`
	LabelIDs  []string `yaml:"label_ids"`
	// AutoStart issues the watch on serve and keeps renewing it.
	AutoStart   bool          `yaml:"auto_start"`
	RenewBefore time.Duration `yaml:"renew_before"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	BaseURL  string `yaml:"base_url"`
}

type StartupConfig struct {
	InitialRecipient string `yaml:"initial_recipient"`
	InitialSubject   string `yaml:"initial_subject"`
	InitialBody      string `yaml:"initial_body"`
}

// TunnelConfig exposes the webhook through a cloudflared quick tunnel.
type TunnelConfig struct {
	Enabled bool `yaml:"enabled"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// DefaultDir is ~/.threadwatch.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".threadwatch")
}

// DefaultPath is ~/.threadwatch/config.yaml.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load reads path, applies environment overrides and fills defaults. A
// missing file is not an error; the environment alone may configure the bot.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Mailbox.Address, "THREADWATCH_SENDER_ADDRESS")
	set(&c.Webhook.Token, "THREADWATCH_WEBHOOK_TOKEN")
	set(&c.Storage.DBPath, "THREADWATCH_DB_PATH")
	set(&c.SMTP.AppPassword, "GMAIL_APP_PASSWORD")
	set(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	set(&c.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	set(&c.Watch.ProjectID, "GOOGLE_CLOUD_PROJECT")
}

func (c *Config) applyDefaults() {
	dir := DefaultDir()
	c.Mailbox.Address = strings.TrimSpace(c.Mailbox.Address)
	if c.Mailbox.ClientSecrets == "" {
		c.Mailbox.ClientSecrets = filepath.Join(dir, "client_secret.json")
	}
	if c.Mailbox.TokenPath == "" {
		c.Mailbox.TokenPath = filepath.Join(dir, "token.json")
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = "/webhook"
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 60 * time.Second
	}
	if c.Reply.Mode == "" {
		c.Reply.Mode = ModeReplyAll
	}
	if c.Reply.Transport == "" {
		c.Reply.Transport = TransportGmail
	}
	if c.SMTP.Address == "" {
		c.SMTP.Address = "smtp.gmail.com:465"
	}
	if c.SMTP.Username == "" {
		c.SMTP.Username = c.Mailbox.Address
	}
	if len(c.Watch.LabelIDs) == 0 {
		c.Watch.LabelIDs = []string{"INBOX"}
	}
	if c.Watch.RenewBefore == 0 {
		c.Watch.RenewBefore = 24 * time.Hour
	}
	if c.Telegram.BaseURL == "" {
		c.Telegram.BaseURL = "https://api.telegram.org"
	}
	if c.Startup.InitialSubject == "" {
		c.Startup.InitialSubject = "Automated Tracking Email"
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(dir, "threadwatch.db")
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Mailbox.Address == "" {
		errs = append(errs, errors.New("mailbox.address is required (or THREADWATCH_SENDER_ADDRESS)"))
	} else if !strings.Contains(c.Mailbox.Address, "@") {
		errs = append(errs, fmt.Errorf("mailbox.address %q is not an email address", c.Mailbox.Address))
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		errs = append(errs, fmt.Errorf("webhook.path %q must start with /", c.Webhook.Path))
	}
	if c.Webhook.Timeout < 0 {
		errs = append(errs, errors.New("webhook.timeout must be positive"))
	}
	switch c.Reply.Mode {
	case ModeReplyAll, ModeEcho:
	default:
		errs = append(errs, fmt.Errorf("reply.mode %q must be %s or %s", c.Reply.Mode, ModeReplyAll, ModeEcho))
	}
	switch c.Reply.Transport {
	case TransportGmail:
	case TransportSMTP:
		if c.SMTP.AppPassword == "" {
			errs = append(errs, errors.New("smtp.app_password is required for the smtp transport (or GMAIL_APP_PASSWORD)"))
		}
	default:
		errs = append(errs, fmt.Errorf("reply.transport %q must be %s or %s", c.Reply.Transport, TransportGmail, TransportSMTP))
	}
	if c.Watch.AutoStart && c.TopicName() == "" {
		errs = append(errs, errors.New("watch.auto_start needs watch.topic and watch.project_id (or GOOGLE_CLOUD_PROJECT)"))
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		errs = append(errs, errors.New("telegram.bot_token and telegram.chat_id must be set together"))
	}
	return errors.Join(errs...)
}

// TopicName returns the fully qualified Pub/Sub topic, or "" when the watch
// is not configured.
func (c *Config) TopicName() string {
	topic := strings.TrimSpace(c.Watch.Topic)
	if topic == "" || strings.HasPrefix(topic, "projects/") {
		return topic
	}
	if c.Watch.ProjectID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/topics/%s", c.Watch.ProjectID, topic)
}

// TelegramEnabled reports whether reply summaries go to Telegram.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
