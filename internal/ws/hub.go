package ws

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mymydata/internal/live"
	"github.com/mymydata/internal/logger"
	"github.com/mymydata/internal/metrics"
	"github.com/mymydata/internal/model"
	"github.com/mymydata/internal/service"
)

// Channels reports whether a channel is registered.
type Channels interface {
	Exists(ctx context.Context, id string) bool
}

// History loads the message history of a channel after a cursor.
type History interface {
	FindLatest(ctx context.Context, channelID string, fetchMax int, lastSeenID string) ([]model.Message, error)
}

// Live opens live subscriptions.
type Live interface {
	Subscribe(channelID string) *live.Subscription
}

// Turns runs user turns.
type Turns interface {
	Send(ctx context.Context, channelID, body string, attachment *model.Attachment) (*service.Turn, error)
}

type Config struct {
	MaxConns       int
	HistorySize    int
	SendBufferSize int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 10000
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 20
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = sendBufSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = writeWait
	}
	if c.PongWait <= 0 {
		c.PongWait = pongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = maxMessageSize
	}
	return c
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	cfg        Config
	channels   Channels
	history    History
	live       Live
	turns      Turns
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(channels Channels, history History, live Live, turns Turns, cfg Config) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		cfg:        cfg.withDefaults(),
		channels:   channels,
		history:    history,
		live:       live,
		turns:      turns,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Connections returns the number of registered viewers.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	metrics.WSConnections.Set(0)

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.cfg.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting client=%s", h.cfg.MaxConns, c.id)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	metrics.WSConnections.Dec()

	// Network I/O outside the lock.
	c.Close()
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventJoin:
		h.handleJoin(ctx, c, msg)
	case EventLeave:
		c.leave()
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	default:
		h.sendToClient(c, errorMessage("", "unknown event type"))
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleJoin", time.Now())()
	channelID := strings.TrimSpace(msg.ChannelID)
	if channelID == "" {
		h.sendToClient(c, errorMessage("", "channel_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !h.channels.Exists(ctx, channelID) {
		h.sendToClient(c, errorMessage(channelID, "channel not found"))
		return
	}
	if err := c.join(ctx, channelID); err != nil {
		logger.Errorf("ws join channel=%s client=%s: %v", channelID, c.id, err)
		h.sendToClient(c, errorMessage(channelID, "failed to load history"))
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	channelID := strings.TrimSpace(msg.ChannelID)
	if channelID == "" {
		channelID = c.joined()
	}
	if channelID == "" {
		h.sendToClient(c, errorMessage("", "channel_id required"))
		return
	}

	var att *model.Attachment
	if msg.Attachment != "" {
		data, err := base64.StdEncoding.DecodeString(msg.Attachment)
		if err != nil {
			h.sendToClient(c, errorMessage(channelID, "attachment must be base64"))
			return
		}
		att = &model.Attachment{MimeType: msg.MimeType, Data: data}
	}

	turn, err := h.turns.Send(ctx, channelID, msg.Content, att)
	switch {
	case errors.Is(err, service.ErrTrivialInput):
		return
	case errors.Is(err, service.ErrChannelNotFound):
		h.sendToClient(c, errorMessage(channelID, "channel not found"))
		return
	case err != nil:
		logger.Errorf("ws send channel=%s client=%s: %v", channelID, c.id, err)
		h.sendToClient(c, errorMessage(channelID, "failed to send message"))
		return
	}

	// Only the sender hears about a failed answer; every viewer sees the
	// compensating delete through the live stream.
	go func() {
		select {
		case <-turn.Done():
		case <-c.done:
			return
		}
		if err := turn.Err(); err != nil {
			h.sendToClient(c, errorMessage(channelID, "오류 발생: "+err.Error()))
		}
	}()
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client. Asynchronous
		// because callers may hold the client's view lock.
		logger.Errorf("ws send buffer full, closing slow client=%s", c.id)
		go c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
