package config

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var envKeys = []string{
	"TELEGRAM_API_ID", "TELEGRAM_API_HASH", "TELEGRAM_PHONE_NUMBER", "TELEGRAM_PASSWORD",
	"TELEGRAM_CODE", "SESSION_PATH", "DATABASE_PATH", "CSV_URL", "DEFAULTS_FILE",
	"TARGET_CHANNEL", "LOG_LEVEL", "ENV_MODE", "DEEPSEEK_API_KEY", "CLASSIFIER_BASE_URL",
	"CLASSIFIER_MODEL", "CLASSIFIER_AD_ANSWER", "CLASSIFIER_RPS", "OPENAI_PROXY",
	"UPSTREAM_CALL_TIMEOUT", "ADMIN_BOT_TOKEN", "ALLOWED_USERS", "HTTP_ADDR",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

var required = map[string]string{
	"TELEGRAM_API_ID":       "12345",
	"TELEGRAM_API_HASH":     "hash",
	"TELEGRAM_PHONE_NUMBER": "+10000000000",
	"CSV_URL":               "https://example.com/table.csv",
	"DEEPSEEK_API_KEY":      "sk-test",
}

func with(extra map[string]string) map[string]string {
	out := make(map[string]string, len(required)+len(extra))
	for k, v := range required {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func base() *Config {
	return &Config{
		APIID:            12345,
		APIHash:          "hash",
		Phone:            "+10000000000",
		SessionPath:      "data/relay_session.session",
		DatabasePath:     "./data/relay.db",
		CSVURL:           "https://example.com/table.csv",
		LogLevel:         "info",
		EnvMode:          "production",
		ClassifierAPIKey: "sk-test",
		ClassifierRPS:    1,
		CallTimeout:      60 * time.Second,
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		want    func(c *Config)
		wantErr string
	}{
		{
			name:    "missing api id",
			env:     map[string]string{},
			wantErr: "TELEGRAM_API_ID",
		},
		{
			name: "missing csv url",
			env: map[string]string{
				"TELEGRAM_API_ID":       "1",
				"TELEGRAM_API_HASH":     "h",
				"TELEGRAM_PHONE_NUMBER": "+1",
				"DEEPSEEK_API_KEY":      "k",
			},
			wantErr: "CSV_URL",
		},
		{
			name: "missing classifier key",
			env: map[string]string{
				"TELEGRAM_API_ID":       "1",
				"TELEGRAM_API_HASH":     "h",
				"TELEGRAM_PHONE_NUMBER": "+1",
				"CSV_URL":               "https://example.com",
			},
			wantErr: "DEEPSEEK_API_KEY",
		},
		{
			name: "required only, defaults applied",
			env:  with(nil),
			want: func(c *Config) {},
		},
		{
			name: "test mode session",
			env:  with(map[string]string{"ENV_MODE": " Test ", "DATABASE_PATH": "/var/lib/relay/relay.db"}),
			want: func(c *Config) {
				c.EnvMode = "test"
				c.DatabasePath = "/var/lib/relay/relay.db"
				c.SessionPath = "/var/lib/relay/relay_test_session.session"
			},
		},
		{
			name: "flags override environment",
			env:  with(map[string]string{"LOG_LEVEL": "warn"}),
			args: []string{"--log-level", "debug", "--target", "@dest", "--call-timeout", "90s"},
			want: func(c *Config) {
				c.LogLevel = "debug"
				c.TargetChannel = "@dest"
				c.CallTimeout = 90 * time.Second
			},
		},
		{
			name: "explicit session path",
			env:  with(map[string]string{"SESSION_PATH": "/tmp/custom.session"}),
			want: func(c *Config) {
				c.SessionPath = "/tmp/custom.session"
			},
		},
		{
			name: "allowed users with spaces",
			env:  with(map[string]string{"ALLOWED_USERS": " 10 , 20 , "}),
			want: func(c *Config) {
				c.RawAllowedUsers = " 10 , 20 , "
				c.AllowedUsers = []int64{10, 20}
			},
		},
		{
			name:    "invalid user id",
			env:     with(map[string]string{"ALLOWED_USERS": "123,abc"}),
			wantErr: "invalid user ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load(tt.args)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error %q does not mention %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			want := base()
			tt.want(want)
			if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadHelp(t *testing.T) {
	clearEnv(t)
	_, err := Load([]string{"--help"})
	if !errors.Is(err, ErrHelp) {
		t.Fatalf("Load(--help) error = %v, want ErrHelp", err)
	}
}

func TestSessionWarning(t *testing.T) {
	tests := []struct {
		name     string
		envMode  string
		session  string
		wantWarn bool
	}{
		{"production with production session", "production", "data/relay_session.session", false},
		{"test with test session", "test", "data/relay_test_session.session", false},
		{"test with production session", "test", "data/relay_session.session", true},
		{"production with test session", "production", "data/relay_test_session.session", true},
		{"directory name is ignored", "production", "/srv/test/relay_session.session", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{EnvMode: tt.envMode, SessionPath: tt.session}
			got := c.SessionWarning()
			if (got != "") != tt.wantWarn {
				t.Errorf("SessionWarning() = %q, want warning: %v", got, tt.wantWarn)
			}
		})
	}
}

func TestIsUserAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []int64
		userID  int64
		want    bool
	}{
		{"empty list allows all", nil, 999, true},
		{"user in list", []int64{1, 2, 3}, 2, true},
		{"user not in list", []int64{1, 2, 3}, 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{AllowedUsers: tt.allowed}
			if got := c.IsUserAllowed(tt.userID); got != tt.want {
				t.Errorf("IsUserAllowed(%d) = %v, want %v", tt.userID, got, tt.want)
			}
		})
	}
}
