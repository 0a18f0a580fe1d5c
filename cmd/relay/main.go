package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"channel_relay/internal/api"
	"channel_relay/internal/bot"
	"channel_relay/internal/classifier"
	"channel_relay/internal/config"
	"channel_relay/internal/filter"
	"channel_relay/internal/mtproto"
	"channel_relay/internal/registry"
	"channel_relay/internal/scheduler"
	"channel_relay/internal/settings"
	"channel_relay/internal/sheet"
	"channel_relay/internal/storage"
	"channel_relay/internal/upstream"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Error("relay stopped", "error", err)
		os.Exit(1)
	}
	log.Info("relay stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	if w := cfg.SessionWarning(); w != "" {
		log.Warn(w)
	}

	live, err := loadSettings(cfg, log)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	defer func() { _ = store.Close() }()

	cls, err := classifier.New(classifier.Config{
		APIKey:   cfg.ClassifierAPIKey,
		BaseURL:  cfg.ClassifierBaseURL,
		Model:    cfg.ClassifierModel,
		AdAnswer: cfg.ClassifierAdAnswer,
		Proxy:    cfg.Proxy,
		RPS:      cfg.ClassifierRPS,
	}, log)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}
	router := filter.NewRouter(cls, store, log)

	session, err := mtproto.New(mtproto.Config{
		AppID:       cfg.APIID,
		AppHash:     cfg.APIHash,
		Phone:       cfg.Phone,
		Password:    cfg.Password,
		Code:        cfg.Code,
		SessionPath: cfg.SessionPath,
		Debug:       strings.EqualFold(cfg.LogLevel, "debug"),
	}, log)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	guard := upstream.NewGuard(session, cfg.CallTimeout, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := guard.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = session.Disconnect() }()

	if me, err := session.Self(ctx); err == nil {
		log.Info("signed in", "account", me, "env_mode", cfg.EnvMode)
	}

	table := sheet.NewFetcher(sheet.NewRetryClient(log), cfg.CSVURL)
	reconciler := registry.New(guard, store, log)
	sched := scheduler.New(guard, store, live, router, table, reconciler, log)

	if cfg.AdminBotToken != "" {
		b, err := bot.New(cfg.AdminBotToken, store, live, sched, cfg, log)
		if err != nil {
			return fmt.Errorf("create operator bot: %w", err)
		}
		sched.SetNotifier(b)
		go b.Run(ctx)
	}

	if cfg.HTTPAddr != "" {
		handler := api.NewHandler(sched, store, live)
		go func() {
			if err := api.Serve(ctx, cfg.HTTPAddr, api.NewRouter(handler, log), log); err != nil {
				log.Error("http server", "error", err)
			}
		}()
	}

	log.Info("starting relay", "target", live.Current().TargetChannel, "database", cfg.DatabasePath)
	sched.Run(ctx)
	return nil
}

func loadSettings(cfg *config.Config, log *slog.Logger) (*settings.Store, error) {
	initial := settings.Defaults()
	if cfg.DefaultsFile != "" {
		loaded, err := settings.LoadFile(cfg.DefaultsFile, initial, log)
		if err != nil {
			return nil, err
		}
		initial = loaded
	}

	store := settings.NewStore(initial, log)
	if cfg.TargetChannel != "" {
		store.Reload(map[string]string{"target_channel": cfg.TargetChannel})
	}
	if store.Current().TargetChannel == "" {
		return nil, errors.New("TARGET_CHANNEL is not set")
	}
	return store, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
