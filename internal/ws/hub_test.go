package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/mymydata/internal/live"
	"github.com/mymydata/internal/model"
	"github.com/mymydata/internal/repository"
	"github.com/mymydata/internal/service"
)

type stubGenerator struct {
	err error
}

func (g stubGenerator) Generate(ctx context.Context, req service.GenerateRequest) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return "re: " + req.UserText, nil
}

type testEnv struct {
	hub      *Hub
	channels *repository.ChannelRepository
	msgs     *repository.MessageRepository
	url      string
}

func newTestEnv(t *testing.T, gen service.AnswerGenerator) *testEnv {
	t.Helper()
	b := live.NewBroadcaster(10*time.Millisecond, 64)
	msgs := repository.NewMessageRepository(b)
	channels := repository.NewChannelRepository(msgs)
	svc := service.NewChatService(channels, msgs, gen, nil)
	hub := NewHub(channels, msgs, b, svc, Config{HistorySize: 3})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		c := NewClient(hub, conn)
		c.Start(cctx, ccancel)
		hub.Register(c)
	}))

	t.Cleanup(func() {
		cancel()
		srv.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = svc.Close(sctx)
		b.Close()
	})
	return &testEnv{hub: hub, channels: channels, msgs: msgs, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) appendN(t *testing.T, channelID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.msgs.Append(context.Background(), model.NewMessage{ChannelID: channelID, Body: "m", Author: model.AuthorUser})
		require.NoError(t, err)
	}
}

type frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func send(t *testing.T, conn *websocket.Conn, msg IncomingMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// next reads frames until one satisfies match.
func next(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func snapshotWhere(t *testing.T, conn *websocket.Conn, pred func(SnapshotPayload) bool) SnapshotPayload {
	t.Helper()
	var out SnapshotPayload
	next(t, conn, func(f frame) bool {
		if f.Type != EventSnapshot {
			return false
		}
		var p SnapshotPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		if !pred(p) {
			return false
		}
		out = p
		return true
	})
	return out
}

func anySnapshot(SnapshotPayload) bool { return true }

func sequences(msgs []model.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sequence
	}
	return out
}

func TestJoinSendsBoundedHistory(t *testing.T) {
	env := newTestEnv(t, stubGenerator{})
	c, err := env.channels.Create(context.Background(), "general")
	require.NoError(t, err)
	env.appendN(t, c.ID, 5)

	conn := env.dial(t)
	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: c.ID})

	snap := snapshotWhere(t, conn, anySnapshot)
	require.Equal(t, c.ID, snap.ChannelID)
	require.Equal(t, []int64{3, 4, 5}, sequences(snap.Messages))
}

func TestLiveMessagesMergeIntoWindow(t *testing.T) {
	env := newTestEnv(t, stubGenerator{})
	c, _ := env.channels.Create(context.Background(), "general")
	env.appendN(t, c.ID, 3)

	conn := env.dial(t)
	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: c.ID})
	snapshotWhere(t, conn, anySnapshot)

	env.appendN(t, c.ID, 2)
	snap := snapshotWhere(t, conn, func(p SnapshotPayload) bool {
		return len(p.Messages) > 0 && p.Messages[len(p.Messages)-1].Sequence == 5
	})
	require.Equal(t, []int64{3, 4, 5}, sequences(snap.Messages))
}

func TestSendMessageProducesReply(t *testing.T) {
	env := newTestEnv(t, stubGenerator{})
	c, _ := env.channels.Create(context.Background(), "general")

	conn := env.dial(t)
	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: c.ID})
	snapshotWhere(t, conn, anySnapshot)

	send(t, conn, IncomingMessage{Type: EventSendMessage, ChannelID: c.ID, Content: "안녕하세요"})
	snap := snapshotWhere(t, conn, func(p SnapshotPayload) bool { return len(p.Messages) == 2 })
	require.Equal(t, model.AuthorUser.Name(), snap.Messages[0].Author)
	require.Equal(t, "안녕하세요", snap.Messages[0].Body)
	require.Equal(t, model.AuthorAssistant.Name(), snap.Messages[1].Author)
	require.Equal(t, "re: 안녕하세요", snap.Messages[1].Body)
}

func TestFailedAnswerNotifiesSenderAndRemovesMessage(t *testing.T) {
	env := newTestEnv(t, stubGenerator{err: errors.New("rate limit exceeded")})
	c, _ := env.channels.Create(context.Background(), "general")

	conn := env.dial(t)
	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: c.ID})
	snapshotWhere(t, conn, anySnapshot)

	send(t, conn, IncomingMessage{Type: EventSendMessage, Content: "hello"})

	f := next(t, conn, func(f frame) bool { return f.Type == EventError })
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	require.Contains(t, p.Message, "오류 발생")
	require.Contains(t, p.Message, "rate limit exceeded")

	require.Eventually(t, func() bool { return env.msgs.Count(c.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTrivialInputIsIgnored(t *testing.T) {
	env := newTestEnv(t, stubGenerator{})
	c, _ := env.channels.Create(context.Background(), "general")

	conn := env.dial(t)
	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: c.ID})
	snapshotWhere(t, conn, anySnapshot)

	send(t, conn, IncomingMessage{Type: EventSendMessage, ChannelID: c.ID, Content: " a "})
	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: c.ID})
	snap := snapshotWhere(t, conn, anySnapshot)
	require.Empty(t, snap.Messages)
	require.Equal(t, 0, env.msgs.Count(c.ID))
}

func TestJoinUnknownChannel(t *testing.T) {
	env := newTestEnv(t, stubGenerator{})
	conn := env.dial(t)
	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: "missing"})

	f := next(t, conn, func(f frame) bool { return f.Type == EventError })
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	require.Equal(t, "channel not found", p.Message)
}

func TestSwitchingChannelClearsWindow(t *testing.T) {
	env := newTestEnv(t, stubGenerator{})
	c1, _ := env.channels.Create(context.Background(), "one")
	c2, _ := env.channels.Create(context.Background(), "two")
	env.appendN(t, c1.ID, 2)

	conn := env.dial(t)
	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: c1.ID})
	snap := snapshotWhere(t, conn, anySnapshot)
	require.Len(t, snap.Messages, 2)

	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: c2.ID})
	snap = snapshotWhere(t, conn, func(p SnapshotPayload) bool { return p.ChannelID == c2.ID })
	require.Empty(t, snap.Messages)

	// Live traffic of the old channel no longer reaches this viewer.
	env.appendN(t, c1.ID, 1)
	env.appendN(t, c2.ID, 1)
	snap = snapshotWhere(t, conn, func(p SnapshotPayload) bool { return len(p.Messages) > 0 })
	require.Equal(t, c2.ID, snap.ChannelID)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, c2.ID, snap.Messages[0].ChannelID)
}

func TestRejoinFetchesOnlyNewerMessages(t *testing.T) {
	env := newTestEnv(t, stubGenerator{})
	c, _ := env.channels.Create(context.Background(), "general")
	env.appendN(t, c.ID, 2)

	conn := env.dial(t)
	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: c.ID})
	snapshotWhere(t, conn, anySnapshot)

	send(t, conn, IncomingMessage{Type: EventLeave})
	env.appendN(t, c.ID, 1)
	send(t, conn, IncomingMessage{Type: EventJoin, ChannelID: c.ID})

	snap := snapshotWhere(t, conn, func(p SnapshotPayload) bool { return len(p.Messages) == 3 })
	require.Equal(t, []int64{1, 2, 3}, sequences(snap.Messages))
}

func TestUnknownEventType(t *testing.T) {
	env := newTestEnv(t, stubGenerator{})
	conn := env.dial(t)
	send(t, conn, IncomingMessage{Type: "typing"})
	next(t, conn, func(f frame) bool { return f.Type == EventError })
}

func TestConnectionsAreTracked(t *testing.T) {
	env := newTestEnv(t, stubGenerator{})
	conn := env.dial(t)
	require.Eventually(t, func() bool { return env.hub.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.hub.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}
