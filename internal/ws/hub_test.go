package ws

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/chatsync/internal/chat"
	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/store/feed"
	"github.com/pliu/chatsync/internal/store/sqlstore"
)

var (
	alice = identity.Principal{ID: "alice", DisplayName: "Alice"}
	bob   = identity.Principal{ID: "bob", DisplayName: "Bob"}
	carol = identity.Principal{ID: "carol", DisplayName: "Carol"}
)

type hubFixture struct {
	directory *chat.Directory
	ledger    *chat.Ledger
	server    *httptest.Server
	cancel    context.CancelFunc
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	inner, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	s := feed.Wrap(inner, slog.Default())
	t.Cleanup(func() { _ = s.Close() })

	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	opts := chat.DefaultOptions()
	f := &hubFixture{
		directory: chat.NewDirectory(s, clk, slog.Default(), opts),
		ledger:    chat.NewLedger(s, clk, slog.Default(), opts),
	}
	hub := NewHub(f.directory, f.ledger, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go hub.Run(ctx)
	t.Cleanup(cancel)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *hubFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// await reads frames until one satisfies match.
func await(t *testing.T, conn *websocket.Conn, match func(Frame) bool) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("no matching frame: %v", err)
		}
		if match(frame) {
			return frame
		}
	}
}

func TestWatchMessages(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	c, err := f.directory.CreateChat(ctx, alice, bob)
	if err != nil {
		t.Fatal(err)
	}

	conn := f.dial(t, bob.ID)
	if err := conn.WriteJSON(Request{Type: FrameWatchMessages, ChatID: c.ID}); err != nil {
		t.Fatal(err)
	}
	await(t, conn, func(fr Frame) bool { return fr.Type == FrameMessages })

	if _, err := f.ledger.Append(ctx, c.ID, alice, chat.Draft{Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	frame := await(t, conn, func(fr Frame) bool {
		return fr.Type == FrameMessages && len(fr.Messages) == 1
	})
	if frame.ChatID != c.ID || frame.Messages[0].Text != "hello" || frame.Messages[0].SenderID != alice.ID {
		t.Errorf("Unexpected frame %+v", frame)
	}
}

func TestWatchChats(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, alice.ID)
	if err := conn.WriteJSON(Request{Type: FrameWatchChats}); err != nil {
		t.Fatal(err)
	}
	await(t, conn, func(fr Frame) bool { return fr.Type == FrameChats })

	c, err := f.directory.CreateChat(context.Background(), alice, bob)
	if err != nil {
		t.Fatal(err)
	}

	frame := await(t, conn, func(fr Frame) bool {
		return fr.Type == FrameChats && len(fr.Chats) == 1
	})
	if frame.Chats[0].ID != c.ID {
		t.Errorf("Expected chat %s, got %+v", c.ID, frame.Chats)
	}
}

func TestWatchMessages_NotParticipant(t *testing.T) {
	f := newHubFixture(t)
	c, err := f.directory.CreateChat(context.Background(), alice, bob)
	if err != nil {
		t.Fatal(err)
	}

	conn := f.dial(t, carol.ID)
	if err := conn.WriteJSON(Request{Type: FrameWatchMessages, ChatID: c.ID}); err != nil {
		t.Fatal(err)
	}
	frame := await(t, conn, func(fr Frame) bool { return fr.Type != "" })
	if frame.Type != FrameError || frame.ChatID != c.ID || frame.Code != "forbidden" {
		t.Errorf("Expected a forbidden error frame, got %+v", frame)
	}
}

func TestUnknownFrame(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, alice.ID)
	if err := conn.WriteJSON(Request{Type: "shout"}); err != nil {
		t.Fatal(err)
	}
	frame := await(t, conn, func(fr Frame) bool { return fr.Type != "" })
	if frame.Type != FrameError {
		t.Errorf("Expected an error frame, got %+v", frame)
	}
}

func TestUnwatch(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	first, _ := f.directory.CreateChat(ctx, alice, bob)
	second, _ := f.directory.CreateChat(ctx, alice, carol)

	conn := f.dial(t, alice.ID)
	conn.WriteJSON(Request{Type: FrameWatchMessages, ChatID: first.ID})
	await(t, conn, func(fr Frame) bool { return fr.Type == FrameMessages && fr.ChatID == first.ID })
	conn.WriteJSON(Request{Type: FrameUnwatch, ChatID: first.ID})
	conn.WriteJSON(Request{Type: FrameWatchMessages, ChatID: second.ID})
	await(t, conn, func(fr Frame) bool { return fr.Type == FrameMessages && fr.ChatID == second.ID })

	// Frames are delivered in order, so a frame for the first chat would
	// arrive before the one for the second.
	f.ledger.Append(ctx, first.ID, bob, chat.Draft{Text: "ignored"})
	f.ledger.Append(ctx, second.ID, carol, chat.Draft{Text: "seen"})
	frame := await(t, conn, func(fr Frame) bool { return fr.Type == FrameMessages && len(fr.Messages) > 0 })
	if frame.ChatID != second.ID || frame.Messages[0].Text != "seen" {
		t.Errorf("Expected only the watched chat, got %+v", frame)
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, alice.ID)
	conn.WriteJSON(Request{Type: FrameWatchChats})
	await(t, conn, func(fr Frame) bool { return fr.Type == FrameChats })

	f.cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Errorf("Expected the hub to close the connection, got %v", err)
			}
			return
		}
	}
}
