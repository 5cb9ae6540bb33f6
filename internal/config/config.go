package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SIGNIMPORT_SERVER.
const EnvPrefix = "SIGNIMPORT"

const appName = "gpg-sign-import"

type Config struct {
	Server        string
	Port          int
	User          string
	Mailbox       string
	Verbose       bool
	StartTLS      bool
	InsecurePlain bool
	DialTimeout   time.Duration

	Subject string
	Unseen  bool
	Since   time.Time

	Policy string
	Select string
	Order  string
	// RequireMultipart is nil when the policy preset decides.
	RequireMultipart *bool

	Engine     string
	GPGBinary  string
	GNUPGHome  string
	KeyringDir string

	DryRun           bool
	MarkSeen         bool
	Watch            bool
	PollInterval     time.Duration
	RememberPassword bool

	ConfigFile string
}

// NewFlagSet declares the command line flags. Short forms match the
// historical script: -s, -u, -m, -v.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringP("server", "s", "", "IMAP server host (required)")
	fs.IntP("port", "p", 993, "IMAP server port")
	fs.StringP("user", "u", "", "login name, defaults to the current system user")
	fs.StringP("mailbox", "m", "INBOX", "mailbox to search")
	fs.BoolP("verbose", "v", false, "log every step of every message")
	fs.Bool("starttls", false, "connect in plain text and upgrade with STARTTLS")
	fs.Bool("insecure-plain", false, "connect without TLS (loopback hosts only)")
	fs.Duration("dial-timeout", 0, "connection timeout, 0 waits forever")

	fs.String("subject", "Your signed PGP key", "subject phrase of signed key mails")
	fs.Bool("unseen", false, "only consider unread messages")
	fs.String("since", "", "only consider messages received on or after this date (YYYY-MM-DD)")

	fs.String("policy", "permissive", "attachment policy: strict or permissive")
	fs.String("select", "", "part selector overriding the policy: position:N, content-type:TYPE or first:TYPE")
	fs.String("order", "", "processing order overriding the policy: server, reverse or date")
	fs.Bool("require-multipart", false, "skip messages that are not multipart")

	fs.String("engine", "gpg", "key engine: gpg (local GnuPG) or native (keyring files)")
	fs.String("gpg-binary", "gpg", "gpg program for the gpg engine")
	fs.String("gnupg-home", "", "GnuPG home directory for the gpg engine")
	fs.String("keyring-dir", defaultKeyringDir(), "keyring directory for the native engine")

	fs.Bool("dry-run", false, "decrypt and list keys without importing")
	fs.Bool("mark-seen", false, "flag messages as seen after a successful import")
	fs.Bool("watch", false, "keep running and process new messages as they arrive")
	fs.Duration("poll-interval", 30*time.Second, "poll interval in watch mode when the server lacks IDLE")
	fs.Bool("remember-password", false, "store the IMAP password in the system keyring")

	fs.String("config", "", "config file (YAML)")

	return fs
}

// Load parses args, then layers flags over environment variables, a .env
// file and the optional config file. pflag.ErrHelp is returned for -h.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet(appName)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return FromFlags(fs)
}

// FromFlags builds a Config from parsed flags.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:           v.GetString("server"),
		Port:             v.GetInt("port"),
		User:             v.GetString("user"),
		Mailbox:          v.GetString("mailbox"),
		Verbose:          v.GetBool("verbose"),
		StartTLS:         v.GetBool("starttls"),
		InsecurePlain:    v.GetBool("insecure-plain"),
		DialTimeout:      v.GetDuration("dial-timeout"),
		Subject:          v.GetString("subject"),
		Unseen:           v.GetBool("unseen"),
		Policy:           strings.ToLower(v.GetString("policy")),
		Select:           v.GetString("select"),
		Order:            strings.ToLower(v.GetString("order")),
		Engine:           strings.ToLower(v.GetString("engine")),
		GPGBinary:        v.GetString("gpg-binary"),
		GNUPGHome:        v.GetString("gnupg-home"),
		KeyringDir:       v.GetString("keyring-dir"),
		DryRun:           v.GetBool("dry-run"),
		MarkSeen:         v.GetBool("mark-seen"),
		Watch:            v.GetBool("watch"),
		PollInterval:     v.GetDuration("poll-interval"),
		RememberPassword: v.GetBool("remember-password"),
		ConfigFile:       v.ConfigFileUsed(),
	}

	if v.IsSet("require-multipart") {
		required := v.GetBool("require-multipart")
		cfg.RequireMultipart = &required
	}

	if since := v.GetString("since"); since != "" {
		t, err := time.Parse(time.DateOnly, since)
		if err != nil {
			return nil, fmt.Errorf("invalid --since %q: %w", since, err)
		}
		cfg.Since = t
	}

	if cfg.User == "" {
		cfg.User = currentUser()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readConfigFile reads --config, or config.yaml from the default directory
// when it exists.
func readConfigFile(v *viper.Viper) error {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, appName))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("--server is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("--port %d is out of range", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("--user is required when the system user is unknown")
	}

	if c.Mailbox == "" {
		return fmt.Errorf("--mailbox must not be empty")
	}

	if c.StartTLS && c.InsecurePlain {
		return fmt.Errorf("--starttls and --insecure-plain are mutually exclusive")
	}

	if c.InsecurePlain && !isLoopback(c.Server) {
		return fmt.Errorf("--insecure-plain is only allowed for loopback hosts, got %s", c.Server)
	}

	switch c.Policy {
	case "strict", "permissive":
	default:
		return fmt.Errorf("unknown --policy %q (want strict or permissive)", c.Policy)
	}

	switch c.Engine {
	case "gpg":
	case "native":
		if c.KeyringDir == "" {
			return fmt.Errorf("--keyring-dir is required for the native engine")
		}
	default:
		return fmt.Errorf("unknown --engine %q (want gpg or native)", c.Engine)
	}

	if c.Watch && c.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive in watch mode")
	}

	return nil
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return os.Getenv("USER")
	}
	// Windows reports DOMAIN\name.
	if i := strings.LastIndex(u.Username, `\`); i >= 0 {
		return u.Username[i+1:]
	}
	return u.Username
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultKeyringDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName, "keyring")
	}
	return ""
}
