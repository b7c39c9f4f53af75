// Package provider defines the chat-protocol capabilities the bot consumes.
// The whatsapp package implements them on top of whatsmeow; tests use fakes.
package provider

import (
	"context"
	"strings"
)

// GroupSuffix marks group chat ids.
const GroupSuffix = "@g.us"

// IsGroupID reports whether id names a group chat.
func IsGroupID(id string) bool {
	return strings.HasSuffix(id, GroupSuffix)
}

// QR is a pairing code delivered while a session is not logged in.
type QR struct {
	Code  string // raw pairing string
	Image string // base64 PNG, may carry a data URL prefix
}

// Chat is an entry of the provider's chat list.
type Chat struct {
	ID      string
	Name    string
	IsGroup bool
}

// File is an outbound media attachment already present on disk.
type File struct {
	Path     string
	Name     string
	Caption  string
	MimeType string
}

// IncomingMessage is a message received on a session.
type IncomingMessage struct {
	ID       string
	ChatID   string
	ChatName string
	SenderID string
	IsGroup  bool
	FromMe   bool
}

// Handler receives provider callbacks for one session. Calls may arrive on
// any goroutine.
type Handler interface {
	HandleQR(qr QR)
	HandleStatus(status string)
	HandleMessage(msg IncomingMessage)
}

// Client is an open session on the chat network.
type Client interface {
	// Identity returns the logged-in account id, or "" before login.
	Identity() string
	IsLoggedIn() bool
	ListChats(ctx context.Context) ([]Chat, error)
	SendText(ctx context.Context, chatID, text string) error
	SendFile(ctx context.Context, chatID string, f File) error
	// Close disconnects without invalidating stored credentials.
	Close() error
}

// Connector opens sessions.
type Connector interface {
	Open(ctx context.Context, session string, h Handler) (Client, error)
	// Reset deletes stale credentials so the next Open starts a fresh pairing.
	Reset(session string) error
}

// UserOf strips the device and server parts of an account id, so
// "5511999:12@s.whatsapp.net" and "5511999@s.whatsapp.net" compare equal.
func UserOf(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	return id
}

// SameUser reports whether two ids name the same account.
func SameUser(a, b string) bool {
	ua, ub := UserOf(a), UserOf(b)
	return ua != "" && ua == ub
}
