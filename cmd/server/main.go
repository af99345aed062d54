package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"capture-orchestrator/internal/auth"
	"capture-orchestrator/internal/capture"
	"capture-orchestrator/internal/journal"
	"capture-orchestrator/internal/media/ffmpeg"
	"capture-orchestrator/internal/platform/config"
	"capture-orchestrator/internal/platform/logger"
	"capture-orchestrator/internal/platform/metrics"
	"capture-orchestrator/internal/pose"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	jr, err := journal.Open(context.Background(), cfg.JournalPath)
	if err != nil {
		log.Error("open journal", "path", cfg.JournalPath, "error", err)
		os.Exit(1)
	}
	defer jr.Close()

	muxer, finalExt, err := ffmpeg.Select(cfg.FFmpegPath, cfg.ChunkExt)
	if err != nil {
		log.Warn("ffmpeg unavailable, recordings will be byte-joined", "error", err, "ext", finalExt)
	}
	store := capture.NewDiskStore(cfg.SessionsDir, cfg.ChunkExt, finalExt)

	if stale, err := jr.MarkAbandoned(context.Background(), time.Now()); err != nil {
		log.Warn("mark abandoned sessions", "error", err)
	} else if len(stale) > 0 {
		log.Warn("sessions from a previous run marked failed", "count", len(stale))
		for _, info := range stale {
			if err := store.RestoreMetadata(info); err != nil {
				log.Warn("restore session metadata", "session_id", string(info.ID), "error", err)
			}
		}
	}

	var analyzer capture.Analyzer = pose.Nop{}
	if cfg.AnalyzerURL != "" {
		analyzer = pose.NewClient(cfg.AnalyzerURL, nil)
	} else {
		log.Warn("ANALYZER_URL not set, frames will return empty skeletons")
	}

	met := metrics.New()
	users := auth.NewFileStore(cfg.UsersFile)
	registry := capture.NewRegistry()
	ctl := capture.NewController(capture.Deps{
		Registry:      registry,
		Store:         store,
		Muxer:         muxer,
		Analyzer:      analyzer,
		Authenticator: users,
		Journal:       jr,
		Metrics:       met,
		Log:           log,
	}, capture.Options{
		Channel: capture.ChannelOptions{
			QueueSize:      cfg.FrameQueueSize,
			AnalyzeTimeout: cfg.AnalyzerTimeout,
		},
		ClosingTimeout: cfg.ClosingTimeout,
		IdleTimeout:    cfg.IdleTimeout,
	})
	h := capture.NewHandler(ctl, users, log, capture.HandlerOptions{
		MaxChunkBytes:  cfg.MaxChunk,
		OriginPatterns: cfg.WSOrigins,
	})

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(capture.CORS(cfg.CORSOrigins))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(registry.ActiveCount()) }).ServeHTTP(w, r)
	})
	h.Mount(r)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	runCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go ctl.Run(runCtx)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"sessions_dir", cfg.SessionsDir,
		"journal", cfg.JournalPath,
		"frame_queue_size", cfg.FrameQueueSize,
		"closing_timeout", cfg.ClosingTimeout.String(),
		"idle_timeout", cfg.IdleTimeout.String(),
		"cors_origins", cfg.CORSOrigins,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	stopReaper()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	// Open sessions are finalized with whatever chunks arrived.
	closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.ClosingTimeout+shutdownTimeout)
	defer cancelClose()
	if err := ctl.Shutdown(closeCtx); err != nil {
		log.Error("session shutdown incomplete", "error", err, "remaining", registry.Len())
	}

	log.Info("server stopped")
}

