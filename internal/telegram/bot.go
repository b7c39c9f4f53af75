// Package telegram relays session events to operator chats and accepts a
// few management commands.
package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/groupbot/internal/events"
	"github.com/user/groupbot/internal/storage"
	"github.com/user/groupbot/pkg/logger"
)

const eventBuffer = 64

// Subscriber is the event source the relay listens to.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Bot represents the Telegram bot.
type Bot struct {
	api      *tgbotapi.BotAPI
	out      sender
	handlers *Handlers
	builder  *MessageBuilder
	chatIDs  []int64
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewBot creates a new Telegram bot instance.
func NewBot(token string, debug bool, chatIDs []int64, sessions Sessions, store *storage.Store, controls Controls) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	api.Debug = debug

	logger.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")

	handlers := NewHandlers(api, sessions, store, controls, chatIDs)
	handlers.SetStartTime(time.Now())

	return newBot(api, api, handlers, chatIDs), nil
}

func newBot(api *tgbotapi.BotAPI, out sender, handlers *Handlers, chatIDs []int64) *Bot {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		api:      api,
		out:      out,
		handlers: handlers,
		builder:  NewMessageBuilder(),
		chatIDs:  chatIDs,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handlers exposes the command handlers for configuration.
func (b *Bot) Handlers() *Handlers {
	return b.handlers
}

// Start begins listening for updates and forwarding events from sub.
func (b *Bot) Start(sub Subscriber) {
	ch, unsubscribe := sub.Subscribe(eventBuffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-b.ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				b.Forward(e)
			}
		}
	}()

	if b.api == nil {
		return
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case update := <-updates:
				if update.Message != nil {
					b.handleMessage(update.Message)
				}
			}
		}
	}()

	logger.Info().Int("chats", len(b.chatIDs)).Msg("Telegram bot started, listening for updates")
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	logger.Info().Msg("Stopping Telegram bot")
	b.cancel()
	if b.api != nil {
		b.api.StopReceivingUpdates()
	}
	b.wg.Wait()
}

// Forward sends the notifications for e to every operator chat.
func (b *Bot) Forward(e events.Event) {
	for _, chatID := range b.chatIDs {
		for _, msg := range b.builder.Build(chatID, e) {
			if _, err := b.out.Send(msg); err != nil {
				logger.Error().Err(err).
					Int64("chat_id", chatID).
					Str("session", e.Session).
					Str("kind", string(e.Kind)).
					Msg("Failed to forward event")
			}
		}
	}
}

// handleMessage processes incoming messages.
func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	if msg.IsCommand() {
		b.handlers.HandleCommand(msg)
	}
}
