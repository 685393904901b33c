package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"livepipe/internal/decrypt"
	"livepipe/internal/hls"
	"livepipe/internal/livestream"
	"livepipe/internal/mp4info"
	"livepipe/internal/platform/config"
	"livepipe/internal/platform/logger"
	"livepipe/internal/platform/metrics"
	"livepipe/internal/scratch"
	"livepipe/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// runLive wires the collaborators, runs one live session and the optional
// admin listener, and returns when the session ends.
func runLive(parent context.Context, v *viper.Viper, cfgFile string) error {
	_ = config.LoadDotEnv()

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	slog.SetDefault(log)

	if cfg.Input.URL == "" {
		return errors.New("no playlist URL given")
	}
	recordLimit, err := config.ParseRecordLimit(cfg.Live.RecordLimit)
	if err != nil {
		return err
	}
	headers, err := config.ParseHeaders(cfg.Input.Headers)
	if err != nil {
		return err
	}

	if n, err := scratch.CleanupOrphaned(log, cfg.Scratch.BaseDir, cfg.Scratch.OrphanMaxAge); err != nil {
		log.Warn("failed to clean orphaned scratch directories", slog.String("error", err.Error()))
	} else if n > 0 {
		log.Info("cleaned orphaned scratch directories", slog.Int("removed", n))
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := transport.New(transport.Config{
		Timeout:       cfg.HTTP.Timeout,
		RetryAttempts: cfg.HTTP.RetryAttempts,
		RetryDelay:    cfg.HTTP.RetryDelay,
		UserAgent:     cfg.HTTP.UserAgent,
		Logger:        log,
	})
	source := hls.NewSource(client, headers, log)

	sel, err := source.Select(ctx, cfg.Input.URL, cfg.Input.AudioOnly)
	if err != nil {
		log.Error("stream selection failed", slog.String("error", err.Error()))
		return err
	}

	if len(cfg.Decrypt.Keys) > 0 {
		log.Info("decryption configured",
			slog.String("engine", cfg.Decrypt.Engine),
			slog.Any("keys", logger.Keys(cfg.Decrypt.Keys)),
		)
	}

	met := metrics.New()
	session := livestream.NewSession(sel, livestream.SessionConfig{
		WaitInterval: cfg.Live.WaitTime,
		RecordLimit:  recordLimit,
		ScratchBase:  cfg.Scratch.BaseDir,
		Headers:      headers,
		WindowCap:    cfg.Live.WindowCap,
		WindowEvict:  cfg.Live.WindowEvict,
		Decrypt: livestream.DecryptConfig{
			Engine:        cfg.Decrypt.Engine,
			BinaryPath:    cfg.Decrypt.BinaryPath,
			Keys:          cfg.Decrypt.Keys,
			FailurePolicy: livestream.ParseDecryptFailurePolicy(cfg.Decrypt.FailurePolicy),
		},
	}, livestream.Collaborators{
		Fetcher:   client,
		Manifest:  source,
		Decrypter: decrypt.NewRunner(log),
		Inspector: mp4info.NewInspector(),
	}, livestream.NewSink(os.Stdout), log, met)

	g, gctx := errgroup.WithContext(ctx)
	sessionDone := make(chan struct{})

	g.Go(func() error {
		defer close(sessionDone)
		if err := session.Run(gctx); err != nil {
			log.Error("live session failed", slog.String("error", err.Error()))
			return err
		}
		return nil
	})

	if cfg.Admin.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           adminRouter(session, log, met),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("admin server starting", slog.String("addr", cfg.Admin.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-sessionDone:
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("admin shutdown error", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	return g.Wait()
}

func adminRouter(session *livestream.Session, log *slog.Logger, met *metrics.Metrics) http.Handler {
	h := livestream.NewHandler(session, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.AdminMiddleware(met))
	h.Routes(r)
	return r
}
