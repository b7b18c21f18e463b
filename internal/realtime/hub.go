package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsat-prep/assessment/internal/logger"
)

const outboundBuffer = 16

type Client struct {
	ID       uuid.UUID
	UserID   int64
	Outbound chan Message
	done     chan struct{}
	once     sync.Once
}

// Hub fans messages out to the SSE clients subscribed to each user channel.
// It is also a Publisher for single-instance deployments.
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Client]bool
	heartbeat     time.Duration
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		log:           log.With("component", "sse_hub"),
		subscriptions: make(map[string]map[*Client]bool),
		heartbeat:     15 * time.Second,
	}
}

// Subscribe registers a new client on the user's channel.
func (h *Hub) Subscribe(userID int64) *Client {
	c := &Client{
		ID:       uuid.New(),
		UserID:   userID,
		Outbound: make(chan Message, outboundBuffer),
		done:     make(chan struct{}),
	}
	ch := Channel(userID)

	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.subscriptions[ch]
	if !ok {
		clients = make(map[*Client]bool)
		h.subscriptions[ch] = clients
	}
	clients[c] = true
	h.log.Debug("sse client subscribed", "client_id", c.ID, "user_id", userID)
	return c
}

// Unsubscribe removes the client and closes its outbound channel. Safe to
// call more than once.
func (h *Hub) Unsubscribe(c *Client) {
	c.once.Do(func() {
		h.mu.Lock()
		ch := Channel(c.UserID)
		if clients, ok := h.subscriptions[ch]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.subscriptions, ch)
			}
		}
		h.mu.Unlock()
		close(c.done)
		close(c.Outbound)
		h.log.Debug("sse client unsubscribed", "client_id", c.ID)
	})
}

// Clients returns how many clients are subscribed for the user.
func (h *Hub) Clients(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[Channel(userID)])
}

// Broadcast delivers msg to every client of msg.UserID. Slow clients drop
// messages instead of blocking the caller.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subscriptions[Channel(msg.UserID)] {
		select {
		case c.Outbound <- msg:
		default:
			h.log.Warn("dropping sse message, outbound buffer full", "client_id", c.ID, "event", msg.Event)
		}
	}
}

func (h *Hub) Publish(_ context.Context, msg Message) error {
	h.Broadcast(msg)
	return nil
}

// Stream writes the client's messages to w as server-sent events until the
// request ends or the client is unsubscribed.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, c *Client) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-c.Outbound:
			if !ok {
				return
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				h.log.Warn("marshal sse message", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, raw)
			flusher.Flush()
		}
	}
}
