package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"channel_relay/internal/filter"
	"channel_relay/internal/model"
	"channel_relay/internal/registry"
	"channel_relay/internal/settings"
	"channel_relay/internal/sheet"
	"channel_relay/internal/storage"
	"channel_relay/internal/upstream"
	"channel_relay/internal/upstream/upstreamtest"
)

type stubClassifier struct{}

func (stubClassifier) IsAdvertisement(context.Context, string, *settings.Settings) bool { return false }

type mockTable struct {
	table   *sheet.Table
	err     error
	fetches int
}

func (m *mockTable) Fetch(context.Context, time.Duration) (*sheet.Table, error) {
	m.fetches++
	return m.table, m.err
}

type mockReconciler struct {
	calls  []map[string]model.ChannelType
	result error
}

func (m *mockReconciler) Reconcile(_ context.Context, listed map[string]model.ChannelType, _ *settings.Settings) (registry.Report, error) {
	m.calls = append(m.calls, listed)
	return registry.Report{}, m.result
}

type mockNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (m *mockNotifier) Alert(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, text)
}

type testEnv struct {
	fake       *upstreamtest.Fake
	store      *storage.SQLite
	settings   *settings.Store
	table      *mockTable
	reconciler *mockReconciler
	sched      *Scheduler

	now     time.Time
	slept   []time.Duration
	onSleep func(d time.Duration) error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := settings.Defaults()
	cfg.TargetChannel = "@target"
	cfg.OtherCoinThreshold = 10_000

	env := &testEnv{
		fake:       upstreamtest.NewFake(),
		store:      store,
		settings:   settings.NewStore(cfg, log),
		table:      &mockTable{table: &sheet.Table{}},
		reconciler: &mockReconciler{},
		now:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	guard := upstream.NewGuard(env.fake, 0, log)
	guard.SetClock(func(_ context.Context, d time.Duration) error {
		env.slept = append(env.slept, d)
		if env.onSleep != nil {
			return env.onSleep(d)
		}
		return nil
	}, func(_, hi time.Duration) time.Duration { return hi })

	router := filter.NewRouter(stubClassifier{}, store, log)
	env.sched = New(guard, store, env.settings, router, env.table, env.reconciler, log)
	env.sched.SetClock(func() time.Time { return env.now })
	return env
}

// track registers a channel upstream and in the registry.
func (e *testEnv) track(t *testing.T, username string, typ model.ChannelType, watermark int, msgs ...model.Message) {
	t.Helper()
	ch := e.fake.AddChannel(username, msgs...)
	hash := ch.AccessHash
	err := e.store.UpsertChannel(context.Background(), model.Source{
		Username: username, ChatID: ch.ChatID, AccessHash: &hash, LastMessageID: watermark, Type: typ,
	})
	if err != nil {
		t.Fatalf("upsert channel: %v", err)
	}
}

func (e *testEnv) watermark(t *testing.T, username string) int {
	t.Helper()
	src, err := e.store.GetChannel(context.Background(), username)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	return src.LastMessageID
}

func (e *testEnv) post(t *testing.T, channel string, id int) *model.Post {
	t.Helper()
	p, err := e.store.GetPost(context.Background(), channel, id)
	if err != nil {
		t.Fatalf("get post %s/%d: %v", channel, id, err)
	}
	return p
}

func TestCycleThresholdEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "@whale", model.TypeStats, 0,
		model.Message{ID: 1, Text: "Someone moved $50K of SOL to an exchange"},
		model.Message{ID: 2, Text: "Someone moved $5K of SOL to an exchange"},
	)

	if err := env.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if diff := cmp.Diff([]int{1}, env.fake.ForwardedIDs()); diff != "" {
		t.Errorf("forwarded mismatch (-want +got):\n%s", diff)
	}
	if env.fake.Forwards[0].Target != "@target" {
		t.Errorf("target = %q, want @target", env.fake.Forwards[0].Target)
	}

	big := env.post(t, "@whale", 1)
	if !big.IsForwarded {
		t.Error("$50K post should be recorded as forwarded")
	}
	small := env.post(t, "@whale", 2)
	if small.IsForwarded || small.Blacklisted || small.IsAdvertisement {
		t.Errorf("$5K post flags = %+v, want all false", small)
	}
	if got := env.watermark(t, "@whale"); got != 2 {
		t.Errorf("watermark = %d, want 2", got)
	}

	st := env.sched.Status()
	var stats *TierStatus
	for i := range st.Tiers {
		if st.Tiers[i].Type == model.TypeStats {
			stats = &st.Tiers[i]
		}
	}
	if stats == nil {
		t.Fatal("status has no stats tier")
	}
	if diff := cmp.Diff(model.Counters{Fetched: 2, Forwarded: 1, Skipped: 1}, stats.Last); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
}

func TestCycleWatermarkNeverRetreats(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "@fast", model.TypeWhitelist, 2,
		model.Message{ID: 5, Text: "five"},
		model.Message{ID: 3, Text: "three"},
		model.Message{ID: 9, Text: "nine"},
		model.Message{ID: 7, Text: "seven"},
		model.Message{ID: 2, Text: "already seen"},
	)
	ctx := context.Background()

	if err := env.sched.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if diff := cmp.Diff([]int{3, 5, 7, 9}, env.fake.ForwardedIDs()); diff != "" {
		t.Errorf("forward order mismatch (-want +got):\n%s", diff)
	}
	if got := env.watermark(t, "@fast"); got != 9 {
		t.Errorf("watermark = %d, want 9", got)
	}

	env.fake.Post("@fast",
		model.Message{ID: 4, Text: "late arrival below watermark"},
		model.Message{ID: 12, Service: true},
	)
	env.now = env.now.Add(2 * time.Minute)
	if err := env.sched.Cycle(ctx); err != nil {
		t.Fatalf("second Cycle: %v", err)
	}
	if got := env.watermark(t, "@fast"); got != 12 {
		t.Errorf("watermark after service message = %d, want 12", got)
	}
	if n := len(env.fake.Forwards); n != 4 {
		t.Errorf("forwards = %d, want 4 (service message and stale id not forwarded)", n)
	}
}

func TestCycleRetriesRateLimitedForward(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "@whale", model.TypeStats, 0, model.Message{ID: 1, Text: "moved $2M USDT"})
	env.fake.FailNext("forward", &upstream.FloodWaitError{Wait: 5 * time.Second})
	ctx := context.Background()

	if err := env.sched.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(env.fake.Forwards) != 0 {
		t.Fatal("forward should have been rate limited")
	}
	if env.post(t, "@whale", 1).IsForwarded {
		t.Error("post recorded as forwarded before the retry")
	}
	if got := env.watermark(t, "@whale"); got != 1 {
		t.Errorf("watermark = %d, want 1", got)
	}
	if env.sched.Status().Pending != 1 {
		t.Errorf("pending = %d, want 1", env.sched.Status().Pending)
	}
	wantWait := 5*time.Second + upstream.LongJitter[1]
	found := false
	for _, d := range env.slept {
		found = found || d == wantWait
	}
	if !found {
		t.Errorf("expected a %v long band wait, slept %v", wantWait, env.slept)
	}

	env.now = env.now.Add(time.Minute)
	if err := env.sched.Cycle(ctx); err != nil {
		t.Fatalf("second Cycle: %v", err)
	}
	if diff := cmp.Diff([]int{1}, env.fake.ForwardedIDs()); diff != "" {
		t.Errorf("forwarded mismatch (-want +got):\n%s", diff)
	}
	if !env.post(t, "@whale", 1).IsForwarded {
		t.Error("post should be marked forwarded after the retry")
	}
	if env.sched.Status().Pending != 0 {
		t.Errorf("pending = %d, want 0", env.sched.Status().Pending)
	}
	ts := tierStatus(t, env.sched.Status(), model.TypeStats)
	if diff := cmp.Diff(1, ts.Last.Forwarded); diff != "" {
		t.Errorf("last run forwarded (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, ts.Total.Forwarded); diff != "" {
		t.Errorf("total forwarded (-want +got):\n%s", diff)
	}
}

func tierStatus(t *testing.T, st Status, typ model.ChannelType) TierStatus {
	t.Helper()
	for _, ts := range st.Tiers {
		if ts.Type == typ {
			return ts
		}
	}
	t.Fatalf("no status for tier %s", typ)
	return TierStatus{}
}

func TestCycleDuplicateSession(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "@fast", model.TypeWhitelist, 0, model.Message{ID: 1, Text: "hello"})
	env.fake.FailNext("read", upstream.ErrDuplicateSession)

	err := env.sched.Cycle(context.Background())
	if !errors.Is(err, upstream.ErrDuplicateSession) {
		t.Fatalf("Cycle err = %v, want ErrDuplicateSession", err)
	}
	if len(env.fake.Forwards) != 0 {
		t.Error("nothing should be forwarded")
	}
}

func TestCycleReloadAndReconcileSchedule(t *testing.T) {
	env := newTestEnv(t)
	env.table.table = &sheet.Table{Rows: [][]string{
		{"", "@fast", "", "", "", "", "", "", "", "min_length", "150"},
	}}
	ctx := context.Background()

	if err := env.sched.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if env.table.fetches != 1 || len(env.reconciler.calls) != 1 {
		t.Fatalf("fetches = %d, reconciles = %d; want 1 and 1", env.table.fetches, len(env.reconciler.calls))
	}
	if got := env.settings.Current().MinLength; got != 150 {
		t.Errorf("min_length = %d, want 150", got)
	}
	if diff := cmp.Diff(map[string]model.ChannelType{"@fast": model.TypeWhitelist}, env.reconciler.calls[0]); diff != "" {
		t.Errorf("listed mismatch (-want +got):\n%s", diff)
	}

	env.now = env.now.Add(time.Minute)
	_ = env.sched.Cycle(ctx)
	if env.table.fetches != 1 {
		t.Errorf("fetches = %d, want no fetch before anything is due", env.table.fetches)
	}

	env.sched.RequestReload()
	env.now = env.now.Add(time.Minute)
	_ = env.sched.Cycle(ctx)
	if env.table.fetches != 2 || len(env.reconciler.calls) != 1 {
		t.Errorf("after reload request: fetches = %d, reconciles = %d; want 2 and 1",
			env.table.fetches, len(env.reconciler.calls))
	}

	env.now = env.now.Add(5 * time.Minute)
	_ = env.sched.Cycle(ctx)
	if env.table.fetches != 3 || len(env.reconciler.calls) != 2 {
		t.Errorf("after scan interval: fetches = %d, reconciles = %d; want 3 and 2",
			env.table.fetches, len(env.reconciler.calls))
	}
}

func TestCycleTableFailure(t *testing.T) {
	env := newTestEnv(t)
	env.table.err = errors.New("status 500")

	if err := env.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(env.reconciler.calls) != 0 {
		t.Error("reconcile must not run without a table")
	}
	if got := env.settings.Current().MinLength; got != settings.Defaults().MinLength {
		t.Errorf("min_length = %d, want default", got)
	}
}

func TestCycleSubBatches(t *testing.T) {
	env := newTestEnv(t)
	for i := range 45 {
		env.track(t, "@feed"+string(rune('a'+i/26))+string(rune('a'+i%26)), model.TypeFiltered, 0)
	}

	if err := env.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	batchPauses := 0
	for _, d := range env.slept {
		if d == BatchPause {
			batchPauses++
		}
	}
	if batchPauses != 1 {
		t.Errorf("batch pauses = %d, want 1 for 45 channels", batchPauses)
	}
	if env.fake.ReadCalls != 45 {
		t.Errorf("reads = %d, want 45", env.fake.ReadCalls)
	}
}

func TestCycleSkipsTiersNotDue(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "@slow", model.TypeLongcheck, 0)
	ctx := context.Background()

	_ = env.sched.Cycle(ctx)
	env.now = env.now.Add(time.Hour)
	_ = env.sched.Cycle(ctx)

	if env.fake.ReadCalls != 1 {
		t.Errorf("reads = %d, want 1 (longcheck runs every 12h)", env.fake.ReadCalls)
	}
}

func TestRunAlertsOnDuplicateSession(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "@fast", model.TypeWhitelist, 0, model.Message{ID: 1, Text: "hello"})
	env.fake.FailNext("read", upstream.ErrDuplicateSession)
	notifier := &mockNotifier{}
	env.sched.SetNotifier(notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.onSleep = func(d time.Duration) error {
		if d >= FatalPause {
			cancel()
			return context.Canceled
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		env.sched.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if len(notifier.alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(notifier.alerts))
	}
	wantPause := env.settings.Current().BaseTick() + FatalPause
	if last := env.slept[len(env.slept)-1]; last != wantPause {
		t.Errorf("backoff = %v, want %v", last, wantPause)
	}
}
