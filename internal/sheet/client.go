package sheet

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// leveledSlog adapts slog to retryablehttp. Errors are logged as warnings
// because the client retries them.
type leveledSlog struct {
	inner *slog.Logger
}

func (l leveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

func (l leveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

// NewRetryClient returns an HTTP client that retries connection errors and
// 5xx responses a few times before giving up.
func NewRetryClient(log *slog.Logger) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = cleanhttp.DefaultPooledTransport()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: log.With("subsystem", "sheet")})
	return retryClient.StandardClient()
}
