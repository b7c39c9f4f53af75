package notifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/user/groupbot/internal/events"
	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/resolver"
	"github.com/user/groupbot/internal/storage"
)

const group = "g@g.us"

type sentItem struct {
	text string
	file provider.File
}

type fakeClient struct {
	mu      sync.Mutex
	sent    []sentItem
	failErr error
}

func (c *fakeClient) Identity() string { return "me@s.whatsapp.net" }
func (c *fakeClient) IsLoggedIn() bool { return true }
func (c *fakeClient) ListChats(ctx context.Context) ([]provider.Chat, error) { return nil, nil }
func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) SendText(ctx context.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.sent = append(c.sent, sentItem{text: text})
	return nil
}

func (c *fakeClient) SendFile(ctx context.Context, chatID string, f provider.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.sent = append(c.sent, sentItem{file: f})
	return nil
}

type clientMap map[string]provider.Client

func (m clientMap) Client(session string) provider.Client { return m[session] }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

type fixture struct {
	notifier *Notifier
	client   *fakeClient
	store    *storage.SessionStore
	events   *recorder
	dir      string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.NewDatabase(filepath.Join(dir, "bot.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := storage.NewStore(db)
	client := &fakeClient{}
	rec := &recorder{}
	n := NewNotifier(store, resolver.New(store), clientMap{"default": client}, rec, opts)

	ss := store.ForSession("default")
	if err := ss.UpsertGroup(context.Background(), group, "Group"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := ss.Increment(context.Background(), group); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{notifier: n, client: client, store: ss, events: rec, dir: dir}
}

func (f *fixture) file(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) settings(t *testing.T, fn func(*storage.Settings)) {
	t.Helper()
	if _, err := f.store.UpdateSettings(context.Background(), func(s *storage.Settings) error {
		fn(s)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) counter(t *testing.T) *storage.GroupCounter {
	t.Helper()
	c, err := f.store.Counter(context.Background(), group)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSendText(t *testing.T) {
	f := newFixture(t, Options{MaxBytes: 1024, VideoMaxBytes: 1024})
	f.settings(t, func(s *storage.Settings) { s.TextMessage = "hello" })

	if got := f.notifier.Send(context.Background(), "default", group); got != OutcomeSent {
		t.Fatalf("expected sent, got %s", got)
	}
	if len(f.client.sent) != 1 || f.client.sent[0].text != "hello" {
		t.Errorf("unexpected sends %+v", f.client.sent)
	}

	c := f.counter(t)
	if c.Count != 0 || c.LastSent == nil {
		t.Errorf("expected reset counter with last_sent, got %+v", c)
	}
	if len(f.events.events) != 1 || f.events.events[0].Kind != events.KindCounter || f.events.events[0].Count != 0 {
		t.Errorf("expected counter event, got %+v", f.events.events)
	}
}

func TestSendNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.settings(t, func(s *storage.Settings) { s.Media.ImagePath = filepath.Join(f.dir, "missing.png") })

	if got := f.notifier.Send(context.Background(), "default", group); got != OutcomeNothing {
		t.Fatalf("expected nothing to send, got %s", got)
	}
	c := f.counter(t)
	if c.Count != 3 || c.LastSent != nil {
		t.Errorf("counter must be untouched, got %+v", c)
	}
}

func TestSendMediaOrderAndCaption(t *testing.T) {
	f := newFixture(t, Options{MaxBytes: 1024, VideoMaxBytes: 1024})
	video := f.file(t, "clip.mp4", 10)
	image := f.file(t, "pic.png", 10)
	audio := f.file(t, "voice.ogg", 10)
	f.settings(t, func(s *storage.Settings) {
		s.TextMessage = "caption"
		s.Media = storage.Media{ImagePath: image, AudioPath: audio, VideoPath: video}
	})

	if got := f.notifier.Send(context.Background(), "default", group); got != OutcomeSent {
		t.Fatalf("expected sent, got %s", got)
	}
	if len(f.client.sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(f.client.sent))
	}
	want := []string{video, image, audio}
	for i, item := range f.client.sent {
		if item.file.Path != want[i] {
			t.Errorf("send %d: expected %s, got %s", i, want[i], item.file.Path)
		}
	}
	if f.client.sent[0].file.Caption != "caption" {
		t.Errorf("expected caption on first media, got %q", f.client.sent[0].file.Caption)
	}
	if f.client.sent[1].file.Caption != "" || f.client.sent[2].file.Caption != "" {
		t.Error("caption must only be attached once")
	}
}

func TestSendSkipsOversizedVideo(t *testing.T) {
	f := newFixture(t, Options{MaxBytes: 1024, VideoMaxBytes: 100})
	video := f.file(t, "big.mp4", 200)
	image := f.file(t, "pic.png", 10)
	f.settings(t, func(s *storage.Settings) {
		s.TextMessage = "caption"
		s.Media = storage.Media{ImagePath: image, VideoPath: video}
	})

	if got := f.notifier.Send(context.Background(), "default", group); got != OutcomeSent {
		t.Fatalf("expected sent, got %s", got)
	}
	if len(f.client.sent) != 1 {
		t.Fatalf("expected only the image, got %+v", f.client.sent)
	}
	if f.client.sent[0].file.Path != image || f.client.sent[0].file.Caption != "caption" {
		t.Errorf("expected image with caption, got %+v", f.client.sent[0].file)
	}
}

func TestSendAllMediaSkipped(t *testing.T) {
	t.Run("without text", func(t *testing.T) {
		f := newFixture(t, Options{MaxBytes: 10, VideoMaxBytes: 10})
		video := f.file(t, "big.mp4", 200)
		f.settings(t, func(s *storage.Settings) { s.Media.VideoPath = video })

		if got := f.notifier.Send(context.Background(), "default", group); got != OutcomeSkipped {
			t.Fatalf("expected skipped, got %s", got)
		}
		if len(f.client.sent) != 0 {
			t.Errorf("expected no sends, got %d", len(f.client.sent))
		}
		if c := f.counter(t); c.Count != 3 {
			t.Errorf("counter must not reset, got %d", c.Count)
		}
	})

	t.Run("with text", func(t *testing.T) {
		f := newFixture(t, Options{MaxBytes: 10, VideoMaxBytes: 10})
		video := f.file(t, "big.mp4", 200)
		f.settings(t, func(s *storage.Settings) {
			s.TextMessage = "just text"
			s.Media.VideoPath = video
		})

		if got := f.notifier.Send(context.Background(), "default", group); got != OutcomeSent {
			t.Fatalf("expected sent, got %s", got)
		}
		if len(f.client.sent) != 1 || f.client.sent[0].text != "just text" {
			t.Errorf("expected text fallback, got %+v", f.client.sent)
		}
	})
}

func TestSendRotation(t *testing.T) {
	ctx := context.Background()
	msgs := []storage.SnapshotMessage{{Text: "A"}, {Text: "B"}, {Text: "C"}}
	two := 2

	t.Run("advances after send", func(t *testing.T) {
		f := newFixture(t, Options{})
		if _, err := f.store.SetPreset(ctx, group, storage.PresetUpdate{Messages: &msgs, RotateIndex: &two}); err != nil {
			t.Fatal(err)
		}
		if got := f.notifier.Send(ctx, "default", group); got != OutcomeSent {
			t.Fatalf("expected sent, got %s", got)
		}
		if f.client.sent[0].text != "C" {
			t.Errorf("expected C, got %q", f.client.sent[0].text)
		}
		p, _ := f.store.Preset(ctx, group)
		if p.RotateIndex != 0 {
			t.Errorf("expected rotate index 0, got %d", p.RotateIndex)
		}
	})

	t.Run("unchanged on failure", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.client.failErr = errors.New("connection lost")
		if _, err := f.store.SetPreset(ctx, group, storage.PresetUpdate{Messages: &msgs, RotateIndex: &two}); err != nil {
			t.Fatal(err)
		}
		if got := f.notifier.Send(ctx, "default", group); got != OutcomeFailed {
			t.Fatalf("expected failed, got %s", got)
		}
		p, _ := f.store.Preset(ctx, group)
		if p.RotateIndex != 2 {
			t.Errorf("expected rotate index 2, got %d", p.RotateIndex)
		}
		c := f.counter(t)
		if c.Count != 3 {
			t.Errorf("counter must not reset on failure, got %d", c.Count)
		}
		if c.LastSent == nil {
			t.Error("last_sent is recorded before delivery")
		}
	})
}

func TestSendNoClient(t *testing.T) {
	f := newFixture(t, Options{})
	if got := f.notifier.Send(context.Background(), "other", group); got != OutcomeNoClient {
		t.Errorf("expected no client, got %s", got)
	}
}

func TestDetectMimeType(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "x.png")
	os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n0000"), 0644)
	mp4 := filepath.Join(dir, "x.mp4")
	os.WriteFile(mp4, []byte{0, 1, 2, 3}, 0644)

	if got := detectMimeType(png); got != "image/png" {
		t.Errorf("png: got %s", got)
	}
	if got := detectMimeType(mp4); got != "video/mp4" {
		t.Errorf("mp4: got %s", got)
	}

	ogg := filepath.Join(dir, "voice.ogg")
	os.WriteFile(ogg, []byte("OggS\x00\x02"), 0644)
	noext := filepath.Join(dir, "voice")
	os.WriteFile(noext, []byte("OggS\x00\x02"), 0644)

	tests := []struct {
		kind, path, want string
	}{
		{"image", png, "image/png"},
		{"audio", ogg, "audio/ogg"},
		{"audio", noext, "audio/ogg"},
		{"video", noext, "video/mp4"},
	}
	for _, tt := range tests {
		if got := mimeTypeFor(tt.kind, tt.path); got != tt.want {
			t.Errorf("mimeTypeFor(%s, %s) = %s, want %s", tt.kind, filepath.Base(tt.path), got, tt.want)
		}
	}
}
