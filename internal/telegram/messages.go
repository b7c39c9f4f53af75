package telegram

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/groupbot/internal/events"
	"github.com/user/groupbot/internal/session"
	"github.com/user/groupbot/internal/storage"
)

// maxListedGroups caps group lists so a message stays under Telegram's
// length limit.
const maxListedGroups = 50

// MessageBuilder turns session events into operator notifications.
type MessageBuilder struct{}

// NewMessageBuilder creates a new message builder.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{}
}

// Build returns the messages to send to chatID for e. Events that operators
// do not need to see, such as every counter increment, produce nothing.
func (m *MessageBuilder) Build(chatID int64, e events.Event) []tgbotapi.Chattable {
	switch e.Kind {
	case events.KindStatus:
		return []tgbotapi.Chattable{markdown(chatID, m.BuildStatusMessage(e.Session, e.Status))}
	case events.KindQR:
		png, err := base64.StdEncoding.DecodeString(e.QR)
		if err != nil || len(png) == 0 {
			return nil
		}
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "qr.png", Bytes: png})
		photo.Caption = fmt.Sprintf("📱 会话 %s 需要扫码登录", e.Session)
		return []tgbotapi.Chattable{photo}
	case events.KindCounter:
		if e.Count != 0 || e.GroupID == "" {
			return nil
		}
		return []tgbotapi.Chattable{markdown(chatID, m.BuildCounterResetMessage(e.Session, e.GroupID))}
	case events.KindGroups:
		return []tgbotapi.Chattable{markdown(chatID, m.BuildGroupsMessage(e))}
	}
	return nil
}

// BuildStatusMessage creates a notification for a session status change.
func (m *MessageBuilder) BuildStatusMessage(name, status string) string {
	icon := "🔴"
	switch {
	case session.IsConnected(status):
		icon = "🟢"
	case status == session.StatusStarting || status == session.StatusQR:
		icon = "🟡"
	}
	return fmt.Sprintf("%s *%s*: `%s`", icon, escape(name), status)
}

// BuildCounterResetMessage creates a notification for a counter reset.
func (m *MessageBuilder) BuildCounterResetMessage(name, groupID string) string {
	return fmt.Sprintf("🔄 *%s*: 群组 `%s` 计数已重置", escape(name), groupID)
}

// BuildGroupsMessage creates a notification for a group list refresh.
func (m *MessageBuilder) BuildGroupsMessage(e events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👥 *%s*: 已同步 %d 个群组\n", escape(e.Session), len(e.Groups))
	for i, g := range e.Groups {
		if i == maxListedGroups {
			fmt.Fprintf(&b, "… 以及另外 %d 个\n", len(e.Groups)-maxListedGroups)
			break
		}
		fmt.Fprintf(&b, "• %s\n", escape(g.Name))
	}
	return b.String()
}

// BuildSessionsMessage lists session states for /status.
func (m *MessageBuilder) BuildSessionsMessage(infos []session.Info, uptime time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Bot 状态*\n\n⏱️ *运行时间:* %s\n\n", formatDuration(uptime))
	if len(infos) == 0 {
		b.WriteString("📭 当前没有运行中的会话")
		return b.String()
	}
	fmt.Fprintf(&b, "*会话 (%d 个):*\n", len(infos))
	for _, info := range infos {
		flags := ""
		if info.HasQR {
			flags = " 📱"
		}
		fmt.Fprintf(&b, "%s\n", m.BuildStatusMessage(info.Session, info.Status)+flags)
	}
	return b.String()
}

// BuildCountersMessage lists group counters of a session for /groups.
func (m *MessageBuilder) BuildCountersMessage(name string, counters []storage.GroupCounter) string {
	if len(counters) == 0 {
		return fmt.Sprintf("📭 会话 *%s* 还没有群组", escape(name))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👥 *%s* 群组 (%d 个)\n\n", escape(name), len(counters))
	for i, c := range counters {
		if i == maxListedGroups {
			fmt.Fprintf(&b, "… 以及另外 %d 个\n", len(counters)-maxListedGroups)
			break
		}
		last := "从未"
		if c.LastSent != nil {
			last = c.LastSent.Format("01-02 15:04")
		}
		fmt.Fprintf(&b, "%d. %s `%s`\n   计数: %d · 上次发送: %s\n", i+1, escape(c.GroupName), c.GroupID, c.Count, last)
	}
	return b.String()
}

func markdown(chatID int64, text string) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	return msg
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

// formatDuration formats a duration to a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%d天 %d小时 %d分钟", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%d小时 %d分钟", hours, minutes)
	} else if minutes > 0 {
		return fmt.Sprintf("%d分钟 %d秒", minutes, seconds)
	}
	return fmt.Sprintf("%d秒", seconds)
}
