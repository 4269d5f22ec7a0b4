package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mymydata/internal/live"
	"github.com/mymydata/internal/logger"
	"github.com/mymydata/internal/model"
	"github.com/mymydata/internal/window"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 8 << 20
	sendBufSize    = 256
)

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single WebSocket viewer. It watches at most one
// channel at a time through a live subscription and a merge window.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [ReadPump, WritePump] -> Close -> Wait.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan OutgoingMessage

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	// mu guards the viewing state below.
	mu        sync.Mutex
	channelID string
	window    *window.Window[model.Message]
	sub       *live.Subscription
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.New().String(),
		hub:    hub,
		conn:   conn,
		send:   make(chan OutgoingMessage, hub.cfg.SendBufferSize),
		done:   make(chan struct{}),
		window: window.NewMessages(hub.cfg.HistorySize),
	}
}

func (c *Client) ID() string { return c.id }

// Start launches ReadPump and WritePump goroutines with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.leave()
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

func (c *Client) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// join switches the viewer to channelID. The window is kept when re-joining
// the same channel so only messages after its last one are fetched.
func (c *Client) join(ctx context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channelID != channelID {
		c.window.Clear()
	}
	if c.sub != nil {
		c.sub.Close()
	}
	c.channelID = channelID

	// Subscribe before reading history so nothing committed in between is
	// lost; duplicates collapse in the window.
	sub := c.hub.live.Subscribe(channelID)
	c.sub = sub
	go c.forward(sub)

	lastSeen := ""
	if last, ok := c.window.Last(); ok {
		lastSeen = last.ID
	}
	history, err := c.hub.history.FindLatest(ctx, channelID, c.hub.cfg.HistorySize, lastSeen)
	if err != nil {
		return errors.Wrap(err, "load history")
	}
	c.window.AddAll(history)
	c.hub.sendToClient(c, c.snapshotLocked())
	return nil
}

// leave drops the live subscription. The window is kept for a later re-join.
func (c *Client) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
}

func (c *Client) forward(sub *live.Subscription) {
	for batch := range sub.C() {
		c.apply(sub, batch)
	}
}

func (c *Client) apply(sub *live.Subscription, batch []model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != sub {
		return
	}
	for _, ev := range batch {
		switch ev.Kind {
		case model.EventMessageAppended:
			c.window.Add(ev.Message)
		case model.EventMessageDeleted:
			c.window.Remove(ev.Message)
		}
	}
	c.hub.sendToClient(c, c.snapshotLocked())
}

func (c *Client) snapshotLocked() OutgoingMessage {
	return OutgoingMessage{Type: EventSnapshot, Payload: SnapshotPayload{
		ChannelID: c.channelID,
		Messages:  c.window.Items(),
	}}
}

// readPump reads messages from the WebSocket connection.
// Exits on read error (triggered by conn.Close from Close() or WritePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait)); err != nil {
		logger.Errorf("ws set read deadline client=%s: %v", c.id, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error client=%s: %v", c.id, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("ws unmarshal error client=%s: %v", c.id, err)
			c.hub.sendToClient(c, errorMessage("", "invalid message"))
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

// writePump writes messages to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.hub.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline client=%s: %v", c.id, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error client=%s: %v", c.id, err)
				continue
			}
			data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline client=%s: %v", c.id, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
