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
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/rafket/vscode-hub/api/handlers"
	"github.com/rafket/vscode-hub/internal/broadcast"
	"github.com/rafket/vscode-hub/internal/config"
	"github.com/rafket/vscode-hub/internal/db"
	"github.com/rafket/vscode-hub/internal/model"
	"github.com/rafket/vscode-hub/internal/pty"
	"github.com/rafket/vscode-hub/internal/repository"
	"github.com/rafket/vscode-hub/internal/session"
	"github.com/rafket/vscode-hub/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "termhub:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		port       int
		staticDir  string
		command    string
		sharing    string
		verbose    bool
	)
	flags := pflag.NewFlagSet("termhub", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	flags.StringVar(&staticDir, "static-dir", "", "directory served under /files")
	flags.StringVar(&command, "command", "", "command run in new sessions (default: detected shell)")
	flags.StringVar(&sharing, "sharing", "", "session sharing: shared or exclusive")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if port != 0 {
		cfg.Server.Port = port
	}
	if staticDir != "" {
		cfg.Server.StaticDir = staticDir
	}
	if command != "" {
		cfg.Session.Command = model.SplitCommand(command)
	}
	if sharing != "" {
		cfg.Session.Sharing = model.SharingPolicy(sharing)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if len(cfg.Session.Command) == 0 {
		shell, err := pty.DetectShell()
		if err != nil {
			return err
		}
		cfg.Session.Command = []string{shell}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	database, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	sessionRepo := repository.NewSessionRepository(database)
	if n, err := sessionRepo.MarkOrphaned(ctx); err != nil {
		logger.Warn("failed to mark orphaned sessions", "error", err)
	} else if n > 0 {
		logger.Info("marked sessions from a previous run as orphaned", "count", n)
	}

	registry := session.NewRegistry(session.RegistryConfig{
		Retention:   cfg.Session.Retention,
		IdleTimeout: cfg.Timeouts.Idle,
		GCInterval:  cfg.Timeouts.GCInterval,
		LockTimeout: cfg.Timeouts.LockTimeout,
		Grace:       cfg.Timeouts.TerminateGrace,
		MaxSessions: cfg.Session.MaxSessions,
		Broadcast: broadcast.Options{
			ReplayBytes:   cfg.Broadcast.ReplayBytes,
			HighWaterMark: cfg.Broadcast.HighWaterMark,
			Policy:        cfg.Broadcast.Backpressure,
		},
		RecordDir:          cfg.Storage.RecordDir,
		CompressRecordings: cfg.Storage.CompressRecordings,
	}, session.WithStore(sessionRepo), session.WithLogger(logger))
	go registry.Run(ctx)

	sessionManager := session.NewManager(registry, sessionRepo, session.Config{
		Sharing:   cfg.Session.Sharing,
		DefaultID: cfg.Session.DefaultID,
		Spawn: model.SpawnConfig{
			Command: cfg.Session.Command,
			Dir:     cfg.Session.Dir,
			Env:     cfg.Session.Env,
			Rows:    cfg.Session.Rows,
			Cols:    cfg.Session.Cols,
		},
		Eager: cfg.Session.Eager,
	}, logger)
	if err := sessionManager.Start(ctx); err != nil {
		return fmt.Errorf("start default session: %w", err)
	}

	wsHandler := ws.NewHandler(sessionManager, cfg.Server.AllowedOrigins, ws.Options{
		WriteWait:      cfg.Transport.WriteWait,
		PongWait:       cfg.Transport.PongWait,
		PingPeriod:     cfg.Transport.PingPeriod,
		MaxMessageSize: cfg.Transport.MaxMessageSize,
		InputRate:      cfg.Transport.InputRate,
		InputBurst:     cfg.Transport.InputBurst,
		Logger:         logger,
	})

	router := handlers.NewRouter(handlers.RouterConfig{
		Manager:        sessionManager,
		WebSocket:      wsHandler,
		StaticDir:      cfg.Server.StaticDir,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "command", cfg.Session.Command,
			"sharing", cfg.Session.Sharing, "retention", cfg.Session.Retention)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := sessionManager.Close(shutdownCtx); err != nil {
		logger.Warn("session shutdown", "error", err)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
