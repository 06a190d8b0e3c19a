// Package websocket pushes live conversation events to connected parties.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MessageToSend defines the structure for sending a message to a specific user.
type MessageToSend struct {
	TargetUserID string
	Payload      []byte

	// Receives how many connections accepted the payload.
	result chan int
}

// Hub maintains the set of active clients and routes payloads to them by user.
type Hub struct {
	// Registered clients. Maps user ID to a set of active client connections.
	clients map[string]map[*Client]bool

	// Channel for sending messages to specific users.
	SendDirect chan *MessageToSend

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	Unregister chan *Client

	// Protects clients for readers outside the Run loop.
	mu sync.RWMutex

	// Closed when Run returns.
	done chan struct{}

	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		SendDirect: make(chan *MessageToSend),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[string]map[*Client]bool),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "websocket_hub").Logger(),
	}
}

// Run processes registrations and sends until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("websocket hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info().Msg("websocket hub stopped")
			return

		case client := <-h.Register:
			h.mu.Lock()
			if _, ok := h.clients[client.UserID]; !ok {
				h.clients[client.UserID] = make(map[*Client]bool)
			}
			h.clients[client.UserID][client] = true
			count := len(h.clients[client.UserID])
			h.mu.Unlock()
			h.logger.Debug().Str("user_id", client.UserID).Int("connections", count).Msg("client registered")

		case client := <-h.Unregister:
			h.mu.Lock()
			if userClients, ok := h.clients[client.UserID]; ok {
				if _, clientOk := userClients[client]; clientOk {
					delete(userClients, client)
					close(client.Send)
					if len(userClients) == 0 {
						delete(h.clients, client.UserID)
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug().Str("user_id", client.UserID).Msg("client unregistered")

		case directMessage := <-h.SendDirect:
			directMessage.result <- h.deliver(directMessage)
		}
	}
}

func (h *Hub) deliver(msg *MessageToSend) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients[msg.TargetUserID] {
		select {
		case client.Send <- msg.Payload:
			delivered++
		default:
			h.logger.Warn().Str("user_id", client.UserID).Msg("send buffer full, payload dropped for connection")
		}
	}
	return delivered
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, userClients := range h.clients {
		for client := range userClients {
			close(client.Send)
		}
		delete(h.clients, userID)
	}
}

// SendDirectMessage queues payload for every connection of targetUserID and reports how
// many accepted it. Zero means the user is offline or the hub is busy.
func (h *Hub) SendDirectMessage(targetUserID string, payload []byte) int {
	message := &MessageToSend{
		TargetUserID: targetUserID,
		Payload:      payload,
		result:       make(chan int, 1),
	}
	timeout := time.NewTimer(time.Second)
	defer timeout.Stop()

	select {
	case h.SendDirect <- message:
	case <-h.done:
		return 0
	case <-timeout.C:
		h.logger.Warn().Str("user_id", targetUserID).Msg("timeout queuing message in hub")
		return 0
	}
	return <-message.result
}

// Connections returns the number of live connections for a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
