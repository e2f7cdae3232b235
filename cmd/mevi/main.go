// Command mevi ptrace-attaches to a child process and all of its
// descendants, intercepts their userfaultfd descriptors over a rendezvous
// socket, registers their memory mappings with the kernel userfaultfd
// facility, and streams binary-encoded residency snapshots to WebSocket
// subscribers on /stream. It shuts down gracefully on SIGTERM or SIGINT, or
// once the traced command and all its descendants have exited.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mevi-project/mevi/internal/audit"
	"github.com/mevi-project/mevi/internal/config"
	"github.com/mevi-project/mevi/internal/logging"
	"github.com/mevi-project/mevi/internal/pending"
	"github.com/mevi-project/mevi/internal/recorder"
	"github.com/mevi-project/mevi/internal/relay"
	"github.com/mevi-project/mevi/internal/rendezvous"
	"github.com/mevi-project/mevi/internal/server/rest"
	"github.com/mevi-project/mevi/internal/server/websocket"
	"github.com/mevi-project/mevi/internal/tracer"
)

func main() {
	configPath := flag.String("config", "/etc/mevi/config.yaml", "path to the mevi YAML configuration file")
	listenAddr := flag.String("listen", "", "override the configured listen address (host:port)")
	socketPath := flag.String("socket", "", "override the configured rendezvous socket path")
	preloadPath := flag.String("preload", "", "override the configured LD_PRELOAD library path")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	flag.Parse()

	argv := flag.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "mevi: usage: mevi [flags] -- command [args...]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mevi: %v\n", err)
		os.Exit(1)
	}
	applyOverrides(cfg, *listenAddr, *socketPath, *preloadPath, *logLevel)
	if lvl := os.Getenv("MEVI_LOG_LEVEL"); lvl != "" && *logLevel == "" {
		cfg.LogLevel = lvl
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("socket_path", cfg.SocketPath),
		slog.Duration("batch_window", cfg.BatchWindow),
	)

	var auditLogger *audit.Logger
	if cfg.AuditPath != "" {
		auditLogger, err = audit.Open(cfg.AuditPath)
		if err != nil {
			logger.Error("failed to open audit log", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("audit log opened", slog.String("path", cfg.AuditPath))
	}

	var rec recorder.Store
	switch {
	case cfg.RecordDSN != "":
		pgRec, pgErr := recorder.OpenPostgres(context.Background(), cfg.RecordDSN, 0, 0)
		if pgErr != nil {
			logger.Error("failed to open postgres recorder", slog.Any("error", pgErr))
			os.Exit(1)
		}
		rec = pgRec
		logger.Info("postgres recorder opened")
	case cfg.RecordPath != "":
		sqliteRec, sqliteErr := recorder.Open(cfg.RecordPath)
		if sqliteErr != nil {
			logger.Error("failed to open recorder database", slog.Any("error", sqliteErr))
			os.Exit(1)
		}
		rec = sqliteRec
		logger.Info("recorder opened", slog.String("path", cfg.RecordPath))
	}

	pendingReg := pending.New()
	broadcaster := websocket.NewBroadcaster(logger, 16)

	rly := relay.New(logger, cfg.BatchWindow, broadcaster, auditLogger, cfg.AuditPath, rec)

	wsHandler := websocket.NewHandler(broadcaster, logger, 10*time.Second, rly.RequestSnapshot)
	restSrv := rest.NewServer(rly)

	mux := http.NewServeMux()
	mux.Handle("/stream", wsHandler)
	mux.Handle("/", rest.NewRouter(restSrv))

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rendezvousListener, err := rendezvous.Listen(cfg.SocketPath, logger, pendingReg)
	if err != nil {
		logger.Error("failed to open rendezvous socket", slog.Any("error", err))
		os.Exit(1)
	}

	t := tracer.New(logger, pendingReg)

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", slog.Any("error", err))
		}
	}()

	go func() {
		if err := rendezvousListener.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("rendezvous listener error", slog.Any("error", err))
		}
	}()

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- rly.Run(ctx, t.Events(), rendezvousListener.Handoffs())
	}()

	env := append(os.Environ(), "LD_PRELOAD="+cfg.PreloadPath)

	tracerDone := make(chan error, 1)
	go func() {
		tracerDone <- t.Run(ctx, argv, env)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-tracerDone:
		if err != nil {
			logger.Error("tracer exited with error", slog.Any("error", err))
			exitCode = 1
		} else {
			logger.Info("traced command and all descendants exited")
		}
	}

	stop()
	<-relayDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", slog.Any("error", err))
	}
	if err := rendezvousListener.Close(); err != nil {
		logger.Warn("rendezvous listener close error", slog.Any("error", err))
	}
	pendingReg.Close()
	broadcaster.Close()
	if rec != nil {
		if err := rec.Close(); err != nil {
			logger.Warn("recorder close error", slog.Any("error", err))
		}
	}

	logger.Info("mevi exited cleanly")
	os.Exit(exitCode)
}

// applyOverrides copies any non-empty CLI flag value over the
// configuration field it shadows.
func applyOverrides(cfg *config.Config, listenAddr, socketPath, preloadPath, logLevel string) {
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if preloadPath != "" {
		cfg.PreloadPath = preloadPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}
