package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"chathub/internal/auth"
	"chathub/internal/blob"
	"chathub/internal/chat"
	"chathub/internal/config"
	"chathub/internal/core"
	"chathub/internal/history"
	"chathub/internal/httpapi"
	"chathub/internal/mute"
	"chathub/internal/pgstore"
	"chathub/internal/protocol"
	"chathub/internal/store"
	"chathub/internal/ws"
	"chathub/internal/wt"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg, args, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(args) > 0 {
		handled, err := RunCLI(ctx, args, cfg, os.Stdout)
		if !handled {
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			os.Exit(2)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func setupLogging(cfg *config.Config) {
	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// userStore is the identity and mute persistence shared by the sqlite and
// postgres backends.
type userStore interface {
	mute.Store
	CreateUser(ctx context.Context, username string, role protocol.Role, avatar string) (protocol.Identity, error)
	User(ctx context.Context, id int64) (protocol.Identity, bool, error)
	Users(ctx context.Context) ([]protocol.Identity, error)
	SetUserRole(ctx context.Context, id int64, role protocol.Role) error
}

type backend struct {
	name   string
	sqlite *store.Store
	users  userStore
	pg     *pgstore.Store
}

// openBackend opens sqlite, which always holds blob metadata, and postgres
// when configured, which then takes over users and mutes.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	sqliteStore, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	b := &backend{name: "sqlite", sqlite: sqliteStore, users: sqliteStore}

	if cfg.PostgresURL != "" {
		pg, err := pgstore.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			_ = sqliteStore.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.name, b.pg, b.users = "postgres", pg, pg
	}
	return b, nil
}

func (b *backend) Close() {
	if b.pg != nil {
		b.pg.Close()
	}
	if err := b.sqlite.Close(); err != nil {
		slog.Error("close sqlite store", "err", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "db", cfg.DBPath)

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()
	slog.Info("user store ready", "backend", be.name)

	blobRoot := strings.TrimSpace(cfg.BlobsDir)
	if blobRoot == "" {
		blobRoot = filepath.Join(filepath.Dir(cfg.DBPath), "blobs")
	}
	blobStore, err := blob.NewStore(blobRoot, be.sqlite)
	if err != nil {
		return fmt.Errorf("initialize blob store: %w", err)
	}

	var lists history.ListStore = history.NewMemoryList()
	if cfg.RedisURL != "" {
		rl, err := history.NewRedisList(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rl.Close()
		lists = rl
		slog.Info("history store ready", "backend", "redis")
	} else {
		slog.Warn("history is kept in memory and lost on restart; set -redis-url to persist it")
	}

	hub := core.NewHub(cfg.SendBuffer)
	oracle := mute.New(be.users, be.users, hub)
	tokens := auth.NewTokens(cfg.JWTSecret)
	svc := chat.NewService(hub, oracle, history.NewService(lists, history.Retention), tokens, be.users, chat.Options{
		RatePerSecond: cfg.RateLimit.PerSecond,
		Burst:         cfg.RateLimit.Burst,
	})

	api := httpapi.New(httpapi.Deps{
		Hub:    hub,
		Chat:   svc,
		Mutes:  oracle,
		Tokens: tokens,
		Users:  be.users,
		Blobs:  blobStore,
		WS:     ws.Options{ReadLimit: cfg.MaxMessageSize},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if cfg.WTAddr != "" {
		tlsConfig, err := loadTLS(cfg.TLS)
		if err != nil {
			return err
		}
		wtServer := wt.NewServer(cfg.WTAddr, tlsConfig, svc, int(cfg.MaxMessageSize))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wtServer.Run(ctx); err != nil {
				slog.Error("webtransport server error", "err", err)
			}
		}()
	}
	if cfg.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RunMetrics(ctx, hub, svc, cfg.StatsInterval)
		}()
	}

	slog.Info("listening", "addr", cfg.Addr)
	err = api.Run(ctx, cfg.Addr)
	cancel()
	hub.Close()
	wg.Wait()
	return err
}

func loadTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	tlsConfig, fingerprint, err := wt.SelfSignedTLS(cfg.Validity, cfg.Hostname)
	if err != nil {
		return nil, err
	}
	slog.Info("generated self-signed certificate", "sha256", fingerprint, "validity", cfg.Validity)
	return tlsConfig, nil
}
