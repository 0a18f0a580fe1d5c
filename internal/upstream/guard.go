package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Kind classifies the outcome of a guarded call.
type Kind int

// Outcomes of a guarded call.
const (
	// OK means the call succeeded.
	OK Kind = iota
	// Skipped means the call failed and should not be retried this cycle.
	Skipped
	// Retryable means the upstream rate limited the call. The mandated wait
	// has already been slept; the caller retries on its next cycle.
	Retryable
	// Fatal means the session is in use elsewhere. The caller must back off.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Skipped:
		return "skipped"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Result is returned by every guarded call.
type Result struct {
	Kind Kind
	Wait time.Duration
	Err  error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Kind == OK }

// Band selects the jitter added on top of a rate limit wait.
type Band int

// Jitter bands.
const (
	// BandShort is used for steady-state calls such as reads and forwards.
	BandShort Band = iota
	// BandLong is used for join, leave and similar account-level calls.
	BandLong
)

// Jitter ranges.
var (
	ShortJitter = [2]time.Duration{200 * time.Millisecond, 600 * time.Millisecond}
	LongJitter  = [2]time.Duration{13 * time.Second, 90 * time.Second}
	StartJitter = [2]time.Duration{120 * time.Second, 300 * time.Second}
)

const defaultCallTimeout = 60 * time.Second

// Guard wraps upstream calls with reconnect, re-authorization, rate limit
// backoff and duplicate session detection. It is not safe for concurrent use;
// the scheduler owns it.
type Guard struct {
	transport   Transport
	log         *slog.Logger
	callTimeout time.Duration

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(lo, hi time.Duration) time.Duration
}

// NewGuard creates a Guard. A non-positive callTimeout selects the default.
func NewGuard(t Transport, callTimeout time.Duration, log *slog.Logger) *Guard {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Guard{
		transport:   t,
		log:         log,
		callTimeout: callTimeout,
		sleep:       sleepContext,
		jitter:      randomBetween,
	}
}

// Transport returns the guarded transport.
func (g *Guard) Transport() Transport { return g.transport }

// SetClock replaces the sleep and jitter functions. Tests use it to avoid
// real waits.
func (g *Guard) SetClock(sleep func(context.Context, time.Duration) error, jitter func(lo, hi time.Duration) time.Duration) {
	g.sleep = sleep
	g.jitter = jitter
}

// Pause sleeps for a random duration in [lo, hi].
func (g *Guard) Pause(ctx context.Context, lo, hi time.Duration) error {
	return g.sleep(ctx, g.jitter(lo, hi))
}

// Do runs fn under the per-call timeout after making sure the transport is
// connected, and translates its error into a Result.
func (g *Guard) Do(ctx context.Context, op string, band Band, fn func(ctx context.Context) error) Result {
	if !g.transport.IsConnected() {
		if res := g.recover(ctx, op); !res.OK() {
			return g.record(op, res)
		}
	}

	return g.record(op, g.handle(ctx, op, band, g.bounded(ctx, fn)))
}

// bounded runs fn under the per-call timeout.
func (g *Guard) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	return fn(callCtx)
}

// EnsureConnected verifies the connection and repairs it when needed.
func (g *Guard) EnsureConnected(ctx context.Context) Result {
	if g.transport.IsConnected() {
		return Result{Kind: OK}
	}
	g.log.Warn("upstream connection lost, reconnecting")
	return g.record("liveness", g.recover(ctx, "liveness"))
}

// Start connects and signs in at startup. A rate limit is waited out once
// with the start jitter added; a duplicate session is returned as an error.
func (g *Guard) Start(ctx context.Context) error {
	err := g.connectAndSignIn(ctx)
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		wait := fw.Wait + g.jitter(StartJitter[0], StartJitter[1])
		g.log.Warn("rate limited at start, waiting", "wait", wait)
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
		err = g.connectAndSignIn(ctx)
	}
	if errors.Is(err, ErrDuplicateSession) {
		g.log.Error(duplicateSessionHelp)
	}
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

const duplicateSessionHelp = "session is used from two locations at once; stop the other process " +
	"or use a separate session file and account for local testing (ENV_MODE=test)"

func (g *Guard) connectAndSignIn(ctx context.Context) error {
	if !g.transport.IsConnected() {
		if err := g.bounded(ctx, g.transport.Connect); err != nil {
			return err
		}
	}
	var ok bool
	err := g.bounded(ctx, func(ctx context.Context) error {
		var err error
		ok, err = g.transport.IsAuthorized(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return g.bounded(ctx, g.transport.SignIn)
	}
	return nil
}

func (g *Guard) recover(ctx context.Context, op string) Result {
	err := g.connectAndSignIn(ctx)
	if err == nil {
		g.log.Info("upstream reconnected", "op", op)
		reconnects.WithLabelValues("ok").Inc()
		return Result{Kind: OK}
	}
	reconnects.WithLabelValues("failed").Inc()
	if errors.Is(err, ErrDuplicateSession) {
		g.log.Error(duplicateSessionHelp, "op", op)
		return Result{Kind: Fatal, Err: err}
	}
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return g.backoff(ctx, op, BandLong, fw)
	}
	g.log.Error("reconnect failed", "op", op, "error", err)
	return Result{Kind: Skipped, Err: err}
}

func (g *Guard) handle(ctx context.Context, op string, band Band, err error) Result {
	if err == nil {
		return Result{Kind: OK}
	}

	var fw *FloodWaitError
	switch {
	case errors.As(err, &fw):
		return g.backoff(ctx, op, band, fw)
	case errors.Is(err, ErrDuplicateSession):
		g.log.Error(duplicateSessionHelp, "op", op)
		return Result{Kind: Fatal, Err: err}
	case errors.Is(err, ErrDisconnected):
		g.log.Warn("connection lost during call, reconnecting", "op", op, "error", err)
		if res := g.recover(ctx, op); res.Kind == Fatal {
			return res
		}
		return Result{Kind: Skipped, Err: err}
	case errors.Is(err, ErrUnauthorized):
		g.log.Warn("session not authorized, signing in again", "op", op)
		if sErr := g.bounded(ctx, g.transport.SignIn); sErr != nil {
			g.log.Error("sign in", "op", op, "error", sErr)
			if errors.Is(sErr, ErrDuplicateSession) {
				return Result{Kind: Fatal, Err: sErr}
			}
		}
		return Result{Kind: Skipped, Err: err}
	case errors.Is(err, ErrInvalidMessageID):
		g.log.Warn("ignored invalid message id", "op", op, "error", err)
		return Result{Kind: Skipped, Err: err}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		g.log.Warn("upstream call timed out", "op", op, "timeout", g.callTimeout)
		return Result{Kind: Skipped, Err: err}
	default:
		g.log.Error("upstream call failed", "op", op, "error", err)
		return Result{Kind: Skipped, Err: err}
	}
}

func (g *Guard) backoff(ctx context.Context, op string, band Band, fw *FloodWaitError) Result {
	lo, hi := ShortJitter[0], ShortJitter[1]
	if band == BandLong {
		lo, hi = LongJitter[0], LongJitter[1]
	}
	wait := fw.Wait + g.jitter(lo, hi)
	g.log.Warn("flood wait", "op", op, "mandated", fw.Wait, "sleep", wait)
	floodWaitSeconds.Add(wait.Seconds())
	if err := g.sleep(ctx, wait); err != nil {
		return Result{Kind: Skipped, Wait: wait, Err: err}
	}
	return Result{Kind: Retryable, Wait: wait, Err: fw}
}

func (g *Guard) record(op string, res Result) Result {
	calls.WithLabelValues(op, res.Kind.String()).Inc()
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
