package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/session"
	"github.com/user/groupbot/internal/storage"
	"github.com/user/groupbot/pkg/logger"
)

// Sessions is the session registry view used by commands.
type Sessions interface {
	List() []session.Info
}

// Controls are the manual operations exposed to operators.
type Controls interface {
	SendNow(session, groupID string) (bool, error)
	ResetCounter(ctx context.Context, session, groupID string) error
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Handlers manages command handling for the bot.
type Handlers struct {
	api            sender
	sessions       Sessions
	store          *storage.Store
	controls       Controls
	builder        *MessageBuilder
	allowed        map[int64]bool
	defaultSession string
	startTime      time.Time
}

// NewHandlers creates a new handlers instance. Only chats in allowed may
// run commands.
func NewHandlers(api sender, sessions Sessions, store *storage.Store, controls Controls, allowed []int64) *Handlers {
	h := &Handlers{
		api:            api,
		sessions:       sessions,
		store:          store,
		controls:       controls,
		builder:        NewMessageBuilder(),
		allowed:        make(map[int64]bool, len(allowed)),
		defaultSession: session.DefaultSession,
	}
	for _, id := range allowed {
		h.allowed[id] = true
	}
	return h
}

// SetDefaultSession sets the session used when a command names none.
func (h *Handlers) SetDefaultSession(name string) {
	h.defaultSession = session.NormalizeSession(name)
}

// SetStartTime sets the bot start time for uptime calculation.
func (h *Handlers) SetStartTime(t time.Time) {
	h.startTime = t
}

// HandleCommand routes commands to appropriate handlers.
func (h *Handlers) HandleCommand(msg *tgbotapi.Message) {
	command := msg.Command()
	args := strings.Fields(msg.CommandArguments())

	logger.Debug().
		Str("command", command).
		Strs("args", args).
		Int64("chat_id", msg.Chat.ID).
		Msg("Received command")

	if !h.allowed[msg.Chat.ID] {
		logger.Warn().Int64("chat_id", msg.Chat.ID).Msg("Command from unauthorized chat")
		h.sendReply(msg.Chat.ID, "⛔ 此聊天未被授权管理机器人")
		return
	}

	switch command {
	case "start", "help":
		h.handleHelp(msg)
	case "status":
		h.handleStatus(msg)
	case "groups":
		h.handleGroups(msg, args)
	case "send":
		h.handleSend(msg, args)
	case "reset":
		h.handleReset(msg, args)
	default:
		h.sendReply(msg.Chat.ID, "未知命令。使用 /help 查看可用命令。")
	}
}

// handleHelp sends help information.
func (h *Handlers) handleHelp(msg *tgbotapi.Message) {
	text := `📚 *命令帮助*

• ` + "`/status`" + ` - 查看所有会话状态
• ` + "`/groups [session]`" + ` - 查看群组计数
• ` + "`/send [session] <group_id>`" + ` - 立即向群组发送消息
• ` + "`/reset [session] <group_id>`" + ` - 重置群组计数

💡 省略 session 时使用默认会话。`

	h.sendReply(msg.Chat.ID, text)
}

// handleStatus shows uptime and every session's state.
func (h *Handlers) handleStatus(msg *tgbotapi.Message) {
	text := h.builder.BuildSessionsMessage(h.sessions.List(), time.Since(h.startTime))
	h.sendReply(msg.Chat.ID, text)
}

// handleGroups lists the stored counters of a session.
func (h *Handlers) handleGroups(msg *tgbotapi.Message, args []string) {
	name := h.defaultSession
	if len(args) > 0 {
		name = session.NormalizeSession(args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counters, err := h.store.ForSession(name).Counters(ctx)
	if err != nil {
		h.sendReply(msg.Chat.ID, "❌ 获取群组列表失败")
		logger.Error().Err(err).Str("session", name).Msg("Failed to load counters")
		return
	}
	h.sendReply(msg.Chat.ID, h.builder.BuildCountersMessage(name, counters))
}

// handleSend starts a manual send.
func (h *Handlers) handleSend(msg *tgbotapi.Message, args []string) {
	name, groupID, err := h.parseGroupArgs(args)
	if err != nil {
		h.sendReply(msg.Chat.ID, "❌ 格式: `/send [session] <group_id>`")
		return
	}

	started, err := h.controls.SendNow(name, groupID)
	switch {
	case err != nil:
		h.sendReply(msg.Chat.ID, fmt.Sprintf("❌ 发送失败: %s", escape(err.Error())))
		log := logger.ForGroup(name, groupID)
		log.Error().Err(err).Msg("Manual send failed")
	case !started:
		h.sendReply(msg.Chat.ID, fmt.Sprintf("⏳ 群组 `%s` 正在发送中", groupID))
	default:
		h.sendReply(msg.Chat.ID, fmt.Sprintf("✅ 已开始向 `%s` 发送", groupID))
	}
}

// handleReset zeroes a group's counter.
func (h *Handlers) handleReset(msg *tgbotapi.Message, args []string) {
	name, groupID, err := h.parseGroupArgs(args)
	if err != nil {
		h.sendReply(msg.Chat.ID, "❌ 格式: `/reset [session] <group_id>`")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.controls.ResetCounter(ctx, name, groupID); err != nil {
		h.sendReply(msg.Chat.ID, "❌ 重置失败，请稍后重试")
		log := logger.ForGroup(name, groupID)
		log.Error().Err(err).Msg("Failed to reset counter")
		return
	}
	h.sendReply(msg.Chat.ID, fmt.Sprintf("✅ 已重置 `%s`", groupID))
}

// sendReply sends a markdown-formatted reply.
func (h *Handlers) sendReply(chatID int64, text string) {
	if _, err := h.api.Send(markdown(chatID, text)); err != nil {
		logger.Error().Err(err).Msg("Failed to send reply")
	}
}

// parseGroupArgs parses "[session] <group_id>".
func (h *Handlers) parseGroupArgs(args []string) (name, groupID string, err error) {
	switch len(args) {
	case 1:
		name, groupID = h.defaultSession, args[0]
	case 2:
		name, groupID = session.NormalizeSession(args[0]), args[1]
	default:
		return "", "", fmt.Errorf("invalid format")
	}
	if !provider.IsGroupID(groupID) {
		return "", "", fmt.Errorf("not a group id: %s", groupID)
	}
	return name, groupID, nil
}
