package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/pliu/chatsync/internal/live"
	"github.com/pliu/chatsync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Inbound frame types.
const (
	FrameWatchChats    = "watch_chats"
	FrameWatchMessages = "watch_messages"
	FrameUnwatch       = "unwatch"
)

// Outbound frame types.
const (
	FrameChats    = "chats"
	FrameMessages = "messages"
	FrameError    = "error"
)

// Request is a frame sent by the browser. An unwatch without chatId stops
// the chat list.
type Request struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId,omitempty"`
}

// Frame is pushed to the browser. Every chats or messages frame carries
// the complete current view; the field of the other kind is null.
type Frame struct {
	Type     string           `json:"type"`
	ChatID   string           `json:"chatId,omitempty"`
	Chats    []models.Chat    `json:"chats"`
	Messages []models.Message `json:"messages"`
	Error    string           `json:"error,omitempty"`
	// Code classifies Error, as errs.Code does.
	Code string `json:"code,omitempty"`
}

// Client is one websocket connection and the live views it watches.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	log    *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	views map[string]*live.Subscription
}

// ServeWs upgrades the request and serves live views to userID.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("Websocket upgrade failed", "error", err)
		return
	}
	client := &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		log:    hub.log.With("user", userID),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		views:  make(map[string]*live.Subscription),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles watch requests until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.close()
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Websocket read failed", "error", err)
			}
			return
		}
		if err := c.handle(req); err != nil {
			c.log.Debug("Request rejected", "type", req.Type, "chat", req.ChatID, "error", err)
			c.push(Frame{Type: FrameError, ChatID: req.ChatID, Error: err.Error(), Code: errs.Code(err)})
		}
	}
}

func (c *Client) handle(req Request) error {
	switch req.Type {
	case FrameWatchChats:
		sub, err := c.hub.directory.WatchChats(c.userID, func(chats []models.Chat) {
			c.push(Frame{Type: FrameChats, Chats: chats})
		})
		if err != nil {
			return err
		}
		c.watch(FrameChats, sub)
	case FrameWatchMessages:
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		chat, err := c.hub.directory.GetChat(ctx, req.ChatID)
		if err != nil {
			return err
		}
		if !chat.HasParticipant(c.userID) {
			return errs.Forbidden("not a participant of chat %s", req.ChatID)
		}
		sub, err := c.hub.ledger.WatchMessages(req.ChatID, func(messages []models.Message) {
			c.push(Frame{Type: FrameMessages, ChatID: req.ChatID, Messages: messages})
		})
		if err != nil {
			return err
		}
		c.watch(FrameMessages+":"+req.ChatID, sub)
	case FrameUnwatch:
		key := FrameChats
		if req.ChatID != "" {
			key = FrameMessages + ":" + req.ChatID
		}
		c.unwatch(key)
	default:
		return errors.New("unknown frame type " + req.Type)
	}
	return nil
}

// watch registers sub under key, replacing an earlier view of the same thing.
func (c *Client) watch(key string, sub *live.Subscription) {
	c.mu.Lock()
	previous := c.views[key]
	if c.views == nil {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.views[key] = sub
	c.mu.Unlock()
	if previous != nil {
		previous.Unsubscribe()
	}
}

func (c *Client) unwatch(key string) {
	c.mu.Lock()
	sub := c.views[key]
	delete(c.views, key)
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// push queues a frame without blocking the store's delivery. A client
// that cannot keep up is disconnected.
func (c *Client) push(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("Encoding frame failed", "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.log.Warn("Client too slow, disconnecting")
		c.close()
	}
}

// close cancels every view and stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.once.Do(func() {
		c.mu.Lock()
		views := c.views
		c.views = nil
		c.mu.Unlock()
		for _, sub := range views {
			sub.Unsubscribe()
		}
		close(c.done)
	})
}

// writePump forwards queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
