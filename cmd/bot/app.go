package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/groupbot/internal/apperror"
	"github.com/user/groupbot/internal/config"
	"github.com/user/groupbot/internal/events"
	"github.com/user/groupbot/internal/notifier"
	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/resolver"
	"github.com/user/groupbot/internal/session"
	"github.com/user/groupbot/internal/storage"
	"github.com/user/groupbot/internal/trigger"
	"github.com/user/groupbot/internal/whatsapp"
	"github.com/user/groupbot/pkg/logger"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	db        *storage.Database
	store     *storage.Store
	bus       *events.Bus
	connector *whatsapp.Connector
	manager   *session.Manager
	notifier  *notifier.Notifier
	engine    *trigger.Engine
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}
	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	store := storage.NewStore(db)
	bus := events.NewBus()
	connector := whatsapp.NewConnector(sessionsDir(cfg))

	manager := session.NewManager(connector, store, bus, session.Options{
		SessionsDir:          sessionsDir(cfg),
		GroupListRetries:     cfg.Session.GroupListRetries,
		WipeRetries:          cfg.Session.WipeRetries,
		CloseWait:            cfg.Session.CloseWait,
		StartTimeout:         cfg.Session.StartTimeout,
		ResetOnCreateFailure: cfg.Session.ResetOnCreateFailure,
	})

	notify := notifier.NewNotifier(store, resolver.New(store), manager, bus, notifier.Options{
		MaxBytes:      cfg.MediaMaxBytes(),
		VideoMaxBytes: cfg.VideoMaxBytes(),
		RatePerMinute: cfg.Send.RatePerMinute,
		Burst:         cfg.Send.Burst,
	})

	engine := trigger.NewEngine(store, manager, notify, bus)
	manager.SetMessageHandler(func(ctx context.Context, name string, msg provider.IncomingMessage) {
		if _, err := engine.HandleMessage(ctx, name, msg); err != nil {
			log := logger.ForGroup(name, msg.ChatID)
			log.Error().Err(err).Msg("Failed to handle message")
		}
	})

	return &app{
		cfg:       cfg,
		db:        db,
		store:     store,
		bus:       bus,
		connector: connector,
		manager:   manager,
		notifier:  notify,
		engine:    engine,
	}, nil
}

// sessionName resolves a command argument to a session name.
func (a *app) sessionName(args []string) string {
	if len(args) > 0 {
		return session.NormalizeSession(args[0])
	}
	return session.NormalizeSession(a.cfg.Session.Default)
}

// strictSessionName resolves the session a write or destructive command
// acts on. An explicit argument must already be a valid name.
func (a *app) strictSessionName(args []string) (string, error) {
	if len(args) == 0 {
		return a.sessionName(nil), nil
	}
	if !session.ValidSession(args[0]) {
		return "", apperror.NewValidation(fmt.Sprintf("invalid session name %q", args[0]))
	}
	return args[0], nil
}

func (a *app) close() {
	a.manager.CloseAll()
	if err := a.db.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close database")
	}
}

func sessionsDir(cfg *config.Config) string {
	return filepath.Join(cfg.Data.Dir, "sessions")
}
