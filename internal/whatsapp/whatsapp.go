// Package whatsapp implements the provider interfaces on top of whatsmeow.
// Each session keeps its device credentials in its own SQLite file under
// the sessions directory.
package whatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	qrCode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/session"
	"github.com/user/groupbot/pkg/logger"
)

const credentialsFile = "whatsapp.db"

// Statuses reported to the session handler.
const (
	StatusConnected     = "connected"
	StatusQRReadSuccess = "qrReadSuccess"
	StatusDisconnected  = "disconnected"
	StatusLoggedOut     = "loggedOut"
	StatusConflict      = "conflict"
	StatusQRTimeout     = "qrTimeout"
)

var errNotLoggedIn = errors.New("whatsapp session is not logged in")

// Connector opens whatsmeow clients rooted at a sessions directory.
type Connector struct {
	root string
}

// NewConnector creates a connector storing credentials below root.
func NewConnector(root string) *Connector {
	return &Connector{root: root}
}

// Open loads or creates the session's device and connects it. A session
// without stored credentials starts pairing in the background and reports
// QR codes to h.
func (c *Connector) Open(ctx context.Context, name string, h provider.Handler) (provider.Client, error) {
	dir, err := session.SessionDir(c.root, name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3", storeDSN(dir), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	device, err := firstDevice(ctx, container)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cl := &Client{
		session:   name,
		handler:   h,
		container: container,
		names:     make(map[string]string),
		log:       logger.ForSession(name),
		ctx:       runCtx,
		cancel:    cancel,
	}
	cl.wa = whatsmeow.NewClient(device, waLog.Noop)
	cl.wa.AddEventHandler(cl.handleEvent)
	cl.wa.EnableAutoReconnect = true

	if cl.wa.Store.ID == nil {
		qrChan, err := cl.wa.GetQRChannel(runCtx)
		if err != nil {
			cl.Close()
			return nil, fmt.Errorf("failed to get QR channel: %w", err)
		}
		if err := cl.wa.Connect(); err != nil {
			cl.Close()
			return nil, fmt.Errorf("failed to connect for pairing: %w", err)
		}
		go cl.pair(qrChan)
		return cl, nil
	}

	if err := cl.wa.Connect(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return cl, nil
}

// Reset deletes the session's credential directory.
func (c *Connector) Reset(name string) error {
	dir, err := session.SessionDir(c.root, name)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func storeDSN(dir string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", filepath.Join(dir, credentialsFile))
}

func firstDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// Client is one connected whatsmeow session.
type Client struct {
	session   string
	handler   provider.Handler
	container *sqlstore.Container
	wa        *whatsmeow.Client
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	names map[string]string

	closeOnce sync.Once
}

// Identity returns the device JID, or "" before pairing.
func (c *Client) Identity() string {
	if id := c.wa.Store.ID; id != nil {
		return id.String()
	}
	return ""
}

// IsLoggedIn reports whether the device is paired and authenticated.
func (c *Client) IsLoggedIn() bool {
	return c.wa.IsLoggedIn()
}

// ListChats returns the groups the account is a member of.
func (c *Client) ListChats(ctx context.Context) ([]provider.Chat, error) {
	if !c.wa.IsLoggedIn() {
		return nil, errNotLoggedIn
	}
	groups, err := c.wa.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	chats := make([]provider.Chat, 0, len(groups))
	c.mu.Lock()
	for _, g := range groups {
		if g == nil {
			continue
		}
		id := g.JID.String()
		c.names[id] = g.Name
		chats = append(chats, provider.Chat{ID: id, Name: g.Name, IsGroup: true})
	}
	c.mu.Unlock()
	return chats, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	_, err = c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

// SendFile uploads a file and sends it as image, video, audio or document
// depending on its MIME type. Audio messages carry no caption, so a caption
// is sent as a separate text afterwards.
func (c *Client) SendFile(ctx context.Context, chatID string, f provider.File) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", f.Path, err)
	}

	kind := mediaTypeFor(f.MimeType)
	up, err := c.wa.Upload(ctx, data, kind)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", f.Name, err)
	}

	msg := buildMediaMessage(kind, up, f)
	if _, err := c.wa.SendMessage(ctx, jid, msg); err != nil {
		return err
	}
	if kind == whatsmeow.MediaAudio && f.Caption != "" {
		return c.SendText(ctx, chatID, f.Caption)
	}
	return nil
}

// Close disconnects and releases the credential store. Credentials stay on
// disk.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wa.Disconnect()
		err = c.container.Close()
	})
	return err
}

func (c *Client) groupName(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names[id]
}

func (c *Client) pair(qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				image, err := encodeQR(evt.Code)
				if err != nil {
					c.log.Error().Err(err).Msg("Failed to render QR code")
					continue
				}
				c.handler.HandleQR(provider.QR{Code: evt.Code, Image: image})
			case whatsmeow.QRChannelSuccess.Event:
				c.log.Info().Msg("Pairing successful")
				return
			case whatsmeow.QRChannelTimeout.Event:
				c.log.Warn().Msg("Pairing timed out")
				c.handler.HandleStatus(StatusQRTimeout)
				return
			case "error":
				c.log.Error().Err(evt.Error).Msg("Pairing failed")
				return
			default:
				c.log.Warn().Str("event", evt.Event).Msg("Pairing ended")
				return
			}
		}
	}
}

func (c *Client) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Message:
		msg := toIncoming(evt)
		if msg.IsGroup {
			msg.ChatName = c.groupName(msg.ChatID)
		}
		c.handler.HandleMessage(msg)
	case *events.LoggedOut:
		c.log.Warn().Str("reason", evt.Reason.String()).Msg("Logged out")
		c.handler.HandleStatus(StatusLoggedOut)
	default:
		if status := statusFor(raw); status != "" {
			c.log.Debug().Str("status", status).Msg("Connection status changed")
			c.handler.HandleStatus(status)
		}
	}
}

// statusFor maps connection events to status strings. Other events map to "".
func statusFor(raw interface{}) string {
	switch raw.(type) {
	case *events.Connected:
		return StatusConnected
	case *events.PairSuccess:
		return StatusQRReadSuccess
	case *events.Disconnected:
		return StatusDisconnected
	case *events.LoggedOut:
		return StatusLoggedOut
	case *events.StreamReplaced:
		return StatusConflict
	}
	return ""
}

func toIncoming(evt *events.Message) provider.IncomingMessage {
	return provider.IncomingMessage{
		ID:       string(evt.Info.ID),
		ChatID:   evt.Info.Chat.String(),
		SenderID: evt.Info.Sender.String(),
		IsGroup:  evt.Info.IsGroup,
		FromMe:   evt.Info.IsFromMe,
	}
}

func mediaTypeFor(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(kind whatsmeow.MediaType, up whatsmeow.UploadResponse, f provider.File) *waE2E.Message {
	var caption *string
	if f.Caption != "" {
		caption = proto.String(f.Caption)
	}
	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       caption,
			Mimetype:      proto.String(f.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       caption,
			Mimetype:      proto.String(f.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(f.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       caption,
			FileName:      proto.String(f.Name),
			Mimetype:      proto.String(f.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

// encodeQR renders a pairing code as a base64 PNG data URL.
func encodeQR(code string) (string, error) {
	png, err := qrCode.Encode(code, qrCode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
