package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"channel_relay/internal/model"
	"channel_relay/internal/settings"
	"channel_relay/internal/storage"
	"channel_relay/internal/upstream"
	"channel_relay/internal/upstream/upstreamtest"
)

type testEnv struct {
	fake  *upstreamtest.Fake
	store *storage.SQLite
	rec   *Reconciler
	slept []time.Duration
	cfg   settings.Settings
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{fake: upstreamtest.NewFake(), store: store, cfg: settings.Defaults()}
	guard := upstream.NewGuard(env.fake, 0, log)
	guard.SetClock(func(_ context.Context, d time.Duration) error {
		env.slept = append(env.slept, d)
		return nil
	}, func(_, hi time.Duration) time.Duration { return hi })
	env.rec = New(guard, store, log)
	return env
}

func (e *testEnv) channels(t *testing.T) map[string]model.Source {
	t.Helper()
	list, err := e.store.ListChannels(context.Background())
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	out := make(map[string]model.Source, len(list))
	for _, src := range list {
		out[src.Username] = src
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestReconcileJoinsNewChannels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.fake.AddChannel("@alpha", model.Message{ID: 10}, model.Message{ID: 42})
	b := env.fake.AddChannel("@beta")

	rep, err := env.rec.Reconcile(ctx, map[string]model.ChannelType{
		"@alpha": model.TypeStats,
		"@beta":  model.TypeWhitelist,
	}, &env.cfg)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if diff := cmp.Diff(Report{Joined: 2}, rep); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	want := map[string]model.Source{
		"@alpha": {Username: "@alpha", ChatID: a.ChatID, AccessHash: ptr(a.AccessHash), LastMessageID: 42, Type: model.TypeStats},
		"@beta":  {Username: "@beta", ChatID: b.ChatID, AccessHash: ptr(b.AccessHash), LastMessageID: 0, Type: model.TypeWhitelist},
	}
	if diff := cmp.Diff(want, env.channels(t)); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{a.ChatID, b.ChatID}, env.fake.Muted); diff != "" {
		t.Errorf("muted mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{JoinPause[1], JoinPause[1]}, env.slept); diff != "" {
		t.Errorf("pauses mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileEmptyListingKeepsChannels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertChannel(ctx, model.Source{Username: "@kept", ChatID: 1, AccessHash: ptr(int64(2))}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.rec.Reconcile(ctx, nil, &env.cfg); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(env.channels(t)) != 1 || len(env.fake.Left) != 0 {
		t.Error("empty listing must not remove channels")
	}
}

func TestReconcileRemovesAndRetypes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, src := range []model.Source{
		{Username: "@gone", ChatID: 7, AccessHash: ptr(int64(70)), Type: model.TypeFiltered},
		{Username: "@stay", ChatID: 8, AccessHash: ptr(int64(80)), LastMessageID: 5, Type: model.TypeFiltered},
		{Username: "@orphan", ChatID: 9, Type: model.TypeFiltered},
	} {
		if err := env.store.UpsertChannel(ctx, src); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := env.rec.Reconcile(ctx, map[string]model.ChannelType{"@stay": model.TypeRanks}, &env.cfg)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if diff := cmp.Diff(Report{Retyped: 1, Removed: 2}, rep); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	want := map[string]model.Source{
		"@stay": {Username: "@stay", ChatID: 8, AccessHash: ptr(int64(80)), LastMessageID: 5, Type: model.TypeRanks},
	}
	if diff := cmp.Diff(want, env.channels(t)); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{7}, env.fake.Left); diff != "" {
		t.Errorf("left mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileLeaveFailureStillDeletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertChannel(ctx, model.Source{Username: "@gone", ChatID: 7, AccessHash: ptr(int64(70))}); err != nil {
		t.Fatal(err)
	}
	env.fake.AddChannel("@other")
	env.fake.FailNext("leave", errors.New("CHANNEL_PRIVATE"))

	rep, err := env.rec.Reconcile(ctx, map[string]model.ChannelType{"@other": model.TypeFiltered}, &env.cfg)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Removed != 1 {
		t.Errorf("removed = %d, want 1", rep.Removed)
	}
	if _, ok := env.channels(t)["@gone"]; ok {
		t.Error("@gone should be deleted")
	}
}

func TestReconcileRepairsMissingHashes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.cfg.MaxNullHashFixes = 2

	listed := make(map[string]model.ChannelType)
	for _, name := range []string{"@a", "@b", "@c"} {
		env.fake.AddChannel(name, model.Message{ID: 100})
		if err := env.store.UpsertChannel(ctx, model.Source{Username: name, ChatID: 1, LastMessageID: 3}); err != nil {
			t.Fatal(err)
		}
		listed[name] = model.TypeFiltered
	}

	rep, err := env.rec.Reconcile(ctx, listed, &env.cfg)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Repaired != 2 {
		t.Errorf("repaired = %d, want 2", rep.Repaired)
	}

	got := env.channels(t)
	for _, name := range []string{"@a", "@b"} {
		if got[name].AccessHash == nil || got[name].LastMessageID != 100 {
			t.Errorf("%s not repaired: %+v", name, got[name])
		}
	}
	if got["@c"].AccessHash != nil {
		t.Error("@c should wait for the next cycle")
	}
}

func TestReconcileJoinFailures(t *testing.T) {
	t.Run("failed join is skipped", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.AddChannel("@ok")

		rep, err := env.rec.Reconcile(context.Background(), map[string]model.ChannelType{
			"@missing": model.TypeFiltered,
			"@ok":      model.TypeFiltered,
		}, &env.cfg)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if diff := cmp.Diff(Report{Joined: 1, Failed: 1}, rep); diff != "" {
			t.Errorf("report mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("duplicate session aborts", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.AddChannel("@a")
		env.fake.AddChannel("@b")
		env.fake.FailNext("join", upstream.ErrDuplicateSession)

		_, err := env.rec.Reconcile(context.Background(), map[string]model.ChannelType{
			"@a": model.TypeFiltered,
			"@b": model.TypeFiltered,
		}, &env.cfg)
		if !errors.Is(err, upstream.ErrDuplicateSession) {
			t.Fatalf("err = %v, want ErrDuplicateSession", err)
		}
		if len(env.channels(t)) != 0 {
			t.Error("no channel should be saved after a fatal error")
		}
	})

	t.Run("mute failure leaves channel untracked", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.AddChannel("@a")
		env.fake.FailNext("mute", errors.New("CHANNEL_INVALID"))

		rep, err := env.rec.Reconcile(context.Background(), map[string]model.ChannelType{"@a": model.TypeFiltered}, &env.cfg)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if rep.Failed != 1 || len(env.channels(t)) != 0 {
			t.Errorf("report = %+v, channels = %d; want one failure and none tracked", rep, len(env.channels(t)))
		}
	})
}
