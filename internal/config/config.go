// Package config handles process configuration from flags and environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

// ErrHelp is returned by Load when usage was requested.
var ErrHelp = errors.New("help requested")

const (
	sessionName     = "relay_session"
	testSessionName = "relay_test_session"
)

// Config holds the process configuration. Runtime tunables live in the
// settings package and are refreshed from the source table.
type Config struct {
	APIID       int    `long:"api-id" env:"TELEGRAM_API_ID" description:"Telegram application id"`
	APIHash     string `long:"api-hash" env:"TELEGRAM_API_HASH" description:"Telegram application hash"`
	Phone       string `long:"phone" env:"TELEGRAM_PHONE_NUMBER" description:"Phone number of the relay account"`
	Password    string `long:"password" env:"TELEGRAM_PASSWORD" description:"Two-factor password"`
	Code        string `long:"code" env:"TELEGRAM_CODE" description:"Login code for the first sign in"`
	SessionPath string `long:"session" env:"SESSION_PATH" description:"Session file (default depends on ENV_MODE)"`

	DatabasePath  string `long:"db" env:"DATABASE_PATH" default:"./data/relay.db" description:"SQLite database path"`
	CSVURL        string `long:"csv-url" env:"CSV_URL" description:"Published CSV export of the source table"`
	DefaultsFile  string `long:"defaults" env:"DEFAULTS_FILE" description:"YAML or JSON file overriding built-in runtime defaults"`
	TargetChannel string `long:"target" env:"TARGET_CHANNEL" description:"Destination channel handle"`
	LogLevel      string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"debug, info, warn or error"`
	EnvMode       string `long:"env-mode" env:"ENV_MODE" default:"production" description:"production or test"`

	ClassifierAPIKey   string        `long:"classifier-key" env:"DEEPSEEK_API_KEY" description:"API key of the ad classifier"`
	ClassifierBaseURL  string        `long:"classifier-url" env:"CLASSIFIER_BASE_URL" description:"OpenAI-compatible endpoint"`
	ClassifierModel    string        `long:"classifier-model" env:"CLASSIFIER_MODEL" description:"Model name"`
	ClassifierAdAnswer string        `long:"classifier-ad-answer" env:"CLASSIFIER_AD_ANSWER" description:"Answer that marks a text as an advertisement"`
	ClassifierRPS      float64       `long:"classifier-rps" env:"CLASSIFIER_RPS" default:"1" description:"Classifier requests per second"`
	Proxy              string        `long:"proxy" env:"OPENAI_PROXY" description:"HTTP proxy for classifier requests"`
	CallTimeout        time.Duration `long:"call-timeout" env:"UPSTREAM_CALL_TIMEOUT" default:"60s" description:"Timeout of a single upstream call"`

	AdminBotToken string  `long:"admin-bot-token" env:"ADMIN_BOT_TOKEN" description:"Operator bot token (optional)"`
	AllowedUsers  []int64 `no-flag:"true"`
	HTTPAddr      string  `long:"http-addr" env:"HTTP_ADDR" description:"Listen address of the health endpoint (optional)"`

	RawAllowedUsers string `long:"allowed-users" env:"ALLOWED_USERS" description:"Comma separated operator user ids"`
}

// Load parses args and the environment.
func Load(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	switch {
	case cfg.APIID == 0:
		return nil, fmt.Errorf("TELEGRAM_API_ID is required")
	case cfg.APIHash == "":
		return nil, fmt.Errorf("TELEGRAM_API_HASH is required")
	case cfg.Phone == "":
		return nil, fmt.Errorf("TELEGRAM_PHONE_NUMBER is required")
	case cfg.CSVURL == "":
		return nil, fmt.Errorf("CSV_URL is required")
	case cfg.ClassifierAPIKey == "":
		return nil, fmt.Errorf("DEEPSEEK_API_KEY is required")
	}

	cfg.EnvMode = strings.ToLower(strings.TrimSpace(cfg.EnvMode))
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./data/relay.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SessionPath == "" {
		name := sessionName
		if cfg.TestMode() {
			name = testSessionName
		}
		cfg.SessionPath = filepath.Join(filepath.Dir(cfg.DatabasePath), name+".session")
	}

	users, err := parseUsers(cfg.RawAllowedUsers)
	if err != nil {
		return nil, err
	}
	cfg.AllowedUsers = users
	return &cfg, nil
}

func parseUsers(raw string) ([]int64, error) {
	var out []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		out = append(out, uid)
	}
	return out, nil
}

// TestMode reports whether ENV_MODE selects the test account.
func (c *Config) TestMode() bool {
	return c.EnvMode == "test"
}

// SessionWarning returns a warning when the session file name does not
// match ENV_MODE, or an empty string.
func (c *Config) SessionWarning() string {
	hasTest := strings.Contains(filepath.Base(c.SessionPath), "test")
	switch {
	case c.TestMode() && !hasTest:
		return fmt.Sprintf("ENV_MODE=test but session %q does not look like a test session; make sure a test account is used", c.SessionPath)
	case !c.TestMode() && hasTest:
		return fmt.Sprintf("ENV_MODE=%s but session %q looks like a test session", c.EnvMode, c.SessionPath)
	}
	return ""
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
