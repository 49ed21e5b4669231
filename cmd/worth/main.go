package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"worth/internal/addrpool"
	"worth/internal/board"
	"worth/internal/clock"
	"worth/internal/config"
	"worth/internal/models"
	"worth/internal/presence"
	"worth/internal/server"
	"worth/internal/storage/memory"
	"worth/internal/storage/sqlite"
	"worth/internal/util"
)

// store is what the server needs from a storage backend.
type store interface {
	board.Store
	presence.Store
	LoadUsers(ctx context.Context) ([]models.Account, error)
	LoadProjects(ctx context.Context) ([]models.Board, error)
}

func main() {
	flags := pflag.NewFlagSet("worth", pflag.ExitOnError)
	configPath := flags.String("config", util.EnvOrDefault("WORTH_CONFIG", ""), "Path to a YAML config file")
	addr := flags.String("addr", "", "Protocol listen address")
	httpAddr := flags.String("http-addr", "", "Notification channel listen address")
	dbPath := flags.String("db", "", "Path to sqlite database file")
	storage := flags.String("storage", "", "Storage backend: sqlite or memory")
	logLevel := flags.String("log-level", "", "Log level: debug, info, warn or error")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worth: %v\n", err)
		os.Exit(1)
	}
	if flags.Changed("addr") {
		cfg.Addr = *addr
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddr
	}
	if flags.Changed("db") {
		cfg.DBPath = *dbPath
	}
	if flags.Changed("storage") {
		cfg.Storage = *storage
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	cfg = cfg.Sanitize()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	logger.Info("WORTH server starting", slog.String("storage", cfg.Storage))

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped unexpectedly", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	var st store
	switch cfg.Storage {
	case config.StorageMemory:
		st = memory.New()
	default:
		db, err := sqlite.Open(cfg.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		st = db
	}

	pool, err := addrpool.New(cfg.Chat.AddressBase, cfg.Chat.AddressCapacity)
	if err != nil {
		return fmt.Errorf("chat address pool: %w", err)
	}
	registry := board.NewRegistry(st, pool, clock.Real(), logger)
	directory := presence.NewDirectory(st, logger)

	ctx := context.Background()
	users, err := st.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	if err := directory.Restore(users); err != nil {
		return fmt.Errorf("restore users: %w", err)
	}
	projects, err := st.LoadProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	if err := registry.Restore(projects); err != nil {
		return fmt.Errorf("restore projects: %w", err)
	}
	logger.Info("state restored", slog.Int("users", len(users)), slog.Int("projects", len(projects)))

	srv := server.New(registry, directory, logger, server.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		WriteTimeout:   cfg.WriteTimeout,
		RateBurst:      cfg.RateLimit.Burst,
		RateRefill:     cfg.RateLimit.RefillInterval,
		NotifyBuffer:   cfg.NotifyBuffer,
		ChatPort:       cfg.Chat.Port,
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	serveCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(serveCtx, ln) }()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Engine(),
	}
	go func() {
		logger.Info("starting notification server", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("notification server stopped unexpectedly", slog.String("error", err.Error()))
			stop()
		}
	}()

	var result error
	select {
	case <-serveCtx.Done():
		result = <-serveErr
	case result = <-serveErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown notification server", slog.String("error", err.Error()))
	}
	return result
}
