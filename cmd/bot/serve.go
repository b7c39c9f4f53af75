package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/user/groupbot/internal/session"
	"github.com/user/groupbot/internal/storage"
	"github.com/user/groupbot/internal/telegram"
	"github.com/user/groupbot/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the configured sessions and the ops server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info().Str("version", version).Msg("Starting group bot")

	for _, name := range a.cfg.Session.Autostart {
		name = session.NormalizeSession(name)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := a.manager.Start(ctx, name); err != nil {
			logger.Error().Err(err).Str("session", name).Msg("Failed to start session")
		}
		cancel()
	}

	if a.cfg.Session.ResyncCron != "" {
		if err := a.manager.StartResync(a.cfg.Session.ResyncCron); err != nil {
			return err
		}
	}

	var bot *telegram.Bot
	if a.cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(a.cfg.Telegram.Token, a.cfg.Telegram.Debug, a.cfg.Telegram.ChatIDs, a.manager, a.store, a.engine)
		if err != nil {
			return err
		}
		bot.Handlers().SetDefaultSession(a.cfg.Session.Default)
		bot.Start(a.bus)
	}

	server := &http.Server{
		Addr:    a.cfg.ServerAddress(),
		Handler: newRouter(a.manager, a.store),
	}

	go func() {
		logger.Info().Str("address", a.cfg.ServerAddress()).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if bot != nil {
		bot.Stop()
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// sessionAPI is the part of the session manager the ops server exposes.
type sessionAPI interface {
	List() []session.Info
	Status(name string) session.Info
	QR(name string) string
}

func newRouter(sessions sessionAPI, store *storage.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessions.List())
	})

	r.Get("/sessions/{session}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessions.Status(chi.URLParam(r, "session")))
	})

	r.Get("/sessions/{session}/qr", func(w http.ResponseWriter, r *http.Request) {
		png, err := base64.StdEncoding.DecodeString(sessions.QR(chi.URLParam(r, "session")))
		if err != nil || len(png) == 0 {
			http.Error(w, "no QR code pending", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(png)
	})

	(&configRoutes{store: store}).mount(r)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}
