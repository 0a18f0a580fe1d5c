// Package classifier asks an OpenAI-compatible chat model whether a post is
// an advertisement.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"golang.org/x/time/rate"

	"channel_relay/internal/settings"
)

// Defaults for a DeepSeek endpoint.
const (
	DefaultBaseURL  = "https://api.deepseek.com"
	DefaultModel    = "deepseek-reasoner"
	DefaultAdAnswer = "нет"

	maxTokens   = 10
	temperature = 1.0
)

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}_\s.,!?$]`)

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Config configures the classifier client.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	AdAnswer string
	Proxy    string
	RPS      float64
	Timeout  time.Duration
}

// Classifier implements filter.Classifier on top of a chat completion API.
type Classifier struct {
	completions chatCompletions
	model       string
	adAnswer    string
	limiter     *rate.Limiter
	timeout     time.Duration
	log         *slog.Logger
}

// New creates a Classifier.
func New(cfg Config, log *slog.Logger) (*Classifier, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("classifier API key is required")
	}

	httpClient := &http.Client{Transport: cleanhttp.DefaultPooledTransport()}
	if cfg.Proxy != "" {
		proxyURL, err := parseProxy(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		tr := cleanhttp.DefaultPooledTransport()
		tr.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = tr
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(httpClient),
	)

	return newWithCompletions(&client.Chat.Completions, cfg, log), nil
}

func newWithCompletions(completions chatCompletions, cfg Config, log *slog.Logger) *Classifier {
	c := &Classifier{
		completions: completions,
		model:       cfg.Model,
		adAnswer:    strings.ToLower(strings.TrimSpace(cfg.AdAnswer)),
		timeout:     cfg.Timeout,
		log:         log,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.adAnswer == "" {
		c.adAnswer = DefaultAdAnswer
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return c
}

// parseProxy accepts "user:pass@host:port" as well as a full URL.
func parseProxy(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy: %w", err)
	}
	return u, nil
}

// Sanitize strips characters other than letters, digits, whitespace and basic
// punctuation before the text is sent to the model.
func Sanitize(text string) string {
	return unsafeChars.ReplaceAllString(text, "")
}

// IsAdvertisement classifies text using the prompts of cfg. It never fails:
// empty input, rate limiter cancellation and API errors all yield false.
func (c *Classifier) IsAdvertisement(ctx context.Context, text string, cfg *settings.Settings) bool {
	clean := Sanitize(text)
	if strings.TrimSpace(clean) == "" {
		c.log.Warn("text empty after sanitizing, not classifying")
		requests.WithLabelValues("empty").Inc()
		return false
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.log.Warn("classifier rate limiter", "error", err)
			requests.WithLabelValues("error").Inc()
			return false
		}
	}

	answer, err := c.ask(ctx, clean, cfg)
	if err != nil {
		c.log.Error("classify text", "error", err)
		requests.WithLabelValues("error").Inc()
		return false
	}

	isAd := answer == c.adAnswer
	c.log.Info("classifier answer", "answer", answer, "advertisement", isAd)
	if isAd {
		requests.WithLabelValues("ad").Inc()
	} else {
		requests.WithLabelValues("news").Inc()
	}
	return isAd
}

func (c *Classifier) ask(ctx context.Context, text string, cfg *settings.Settings) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(cfg.SystemPrompt),
			openai.UserMessage(strings.ReplaceAll(cfg.UserPrompt, "{text}", text)),
		},
		MaxTokens:   openai.Int(maxTokens),
		Temperature: openai.Float(temperature),
	})
	latency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("chat completion: no choices")
	}
	return strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content)), nil
}
