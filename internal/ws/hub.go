package ws

import (
	"context"
	"log/slog"

	"github.com/pliu/chatsync/internal/chat"
)

// Hub tracks connected clients and tears down their live views when they leave.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed once Run has returned.
	done chan struct{}

	directory *chat.Directory
	ledger    *chat.Ledger
	log       *slog.Logger
}

func NewHub(directory *chat.Directory, ledger *chat.Ledger, log *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		directory:  directory,
		ledger:     ledger,
		log:        log,
	}
}

// Run serves register and unregister requests until ctx is done, then
// disconnects every remaining client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("Client connected", "user", client.userID, "clients", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.log.Debug("Client disconnected", "user", client.userID, "clients", len(h.clients))
			}
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			return
		}
	}
}
