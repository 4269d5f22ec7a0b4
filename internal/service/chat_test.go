package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/mymydata/internal/model"
	"github.com/mymydata/internal/repository"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	block chan struct{}
	calls []GenerateRequest
}

func (g *fakeGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	block := g.block
	g.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.reply, g.err
}

func (g *fakeGenerator) requests() []GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GenerateRequest(nil), g.calls...)
}

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, gen AnswerGenerator, opts ...Option) (*ChatService, *repository.ChannelRepository, *repository.MessageRepository) {
	t.Helper()
	msgs := repository.NewMessageRepository(nil)
	channels := repository.NewChannelRepository(msgs)
	svc := NewChatService(channels, msgs, gen, fixedClock{testTime}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, channels, msgs
}

func TestPostMessageUnknownChannelThenSuccess(t *testing.T) {
	ctx := context.Background()
	svc, channels, msgs := newTestService(t, &fakeGenerator{reply: "ok"})

	_, err := svc.PostMessage(ctx, "c1", "hi", model.AuthorUser)
	require.True(t, errors.Is(err, ErrChannelNotFound))

	c, err := channels.Create(ctx, "c1")
	require.NoError(t, err)

	m, err := svc.PostMessage(ctx, c.ID, "hi", model.AuthorUser)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Sequence)
	require.Equal(t, testTime, m.Timestamp)

	got, err := msgs.FindLatest(ctx, c.ID, 20, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "hi", got[0].Body)
	require.Equal(t, model.AuthorUser.Name(), got[0].Author)
}

func TestAnswerMessageAppendsReply(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{reply: "안녕하세요"}
	svc, channels, msgs := newTestService(t, gen, WithContextSize(7))
	c, _ := channels.Create(ctx, "c1")

	_, err := svc.PostMessage(ctx, c.ID, "hello", model.AuthorUser)
	require.NoError(t, err)
	reply, err := svc.AnswerMessage(ctx, c.ID, "hello", nil)
	require.NoError(t, err)
	require.Equal(t, model.AuthorAssistant.Name(), reply.Author)
	require.Equal(t, model.AuthorAssistant.Color(), reply.Color)
	require.Equal(t, int64(2), reply.Sequence)

	reqs := gen.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, c.ID, reqs[0].ConversationKey)
	require.Equal(t, 7, reqs[0].ContextSize)
	require.Equal(t, "hello", reqs[0].UserText)

	got, _ := msgs.FindLatest(ctx, c.ID, 20, "")
	require.Len(t, got, 2)
}

func TestAnswerMessageFailureCompensates(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("quota exceeded")
	svc, channels, msgs := newTestService(t, &fakeGenerator{err: cause})
	c, _ := channels.Create(ctx, "c1")

	_, err := svc.PostMessage(ctx, c.ID, "hello", model.AuthorUser)
	require.NoError(t, err)

	_, err = svc.AnswerMessage(ctx, c.ID, "hello", nil)
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	require.Equal(t, c.ID, genErr.ChannelID)
	require.True(t, errors.Is(err, cause))

	got, err := msgs.FindLatest(ctx, c.ID, 20, "")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestAnswerMessageEmptyReplyCompensates(t *testing.T) {
	ctx := context.Background()
	svc, channels, msgs := newTestService(t, &fakeGenerator{reply: "  "})
	c, _ := channels.Create(ctx, "c1")

	_, _ = svc.PostMessage(ctx, c.ID, "hello", model.AuthorUser)
	_, err := svc.AnswerMessage(ctx, c.ID, "hello", nil)
	require.Error(t, err)
	require.Equal(t, 0, msgs.Count(c.ID))
}

func TestCompensationKeepsEarlierHistory(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{reply: "first answer"}
	svc, channels, msgs := newTestService(t, gen)
	c, _ := channels.Create(ctx, "c1")

	_, _ = svc.PostMessage(ctx, c.ID, "first", model.AuthorUser)
	_, err := svc.AnswerMessage(ctx, c.ID, "first", nil)
	require.NoError(t, err)

	gen.mu.Lock()
	gen.err = errors.New("boom")
	gen.mu.Unlock()

	_, _ = svc.PostMessage(ctx, c.ID, "second", model.AuthorUser)
	_, err = svc.AnswerMessage(ctx, c.ID, "second", nil)
	require.Error(t, err)

	got, _ := msgs.FindLatest(ctx, c.ID, 20, "")
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Body)
	require.Equal(t, "first answer", got[1].Body)
}

func TestConcurrentPostsGetConsecutiveSequences(t *testing.T) {
	ctx := context.Background()
	svc, channels, _ := newTestService(t, &fakeGenerator{reply: "ok"})
	c, _ := channels.Create(ctx, "c1")

	var wg sync.WaitGroup
	seqs := make([]int64, 2)
	for i := range seqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := svc.PostMessage(ctx, c.ID, "hi", model.AuthorUser)
			require.NoError(t, err)
			seqs[i] = m.Sequence
		}(i)
	}
	wg.Wait()
	require.ElementsMatch(t, []int64{1, 2}, seqs)
}

func TestSendTrivialInputIsNoop(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{reply: "ok"}
	svc, channels, msgs := newTestService(t, gen)
	c, _ := channels.Create(ctx, "c1")

	for _, body := range []string{"", "   ", "a", " ㅋ "} {
		turn, err := svc.Send(ctx, c.ID, body, nil)
		require.ErrorIs(t, err, ErrTrivialInput)
		require.Nil(t, turn)
	}
	require.Equal(t, 0, msgs.Count(c.ID))
	require.Empty(t, gen.requests())
}

func TestSendUnknownChannel(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeGenerator{reply: "ok"})
	turn, err := svc.Send(context.Background(), "nope", "hello", nil)
	require.ErrorIs(t, err, ErrChannelNotFound)
	require.Equal(t, TurnPendingUserAppend, turn.State())
}

func TestSendAnswersInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeGenerator{reply: "pong", block: make(chan struct{})}
	svc, channels, msgs := newTestService(t, gen)
	c, _ := channels.Create(context.Background(), "c1")

	turn, err := svc.Send(ctx, c.ID, "ping", &model.Attachment{MimeType: "image/png", Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, "ping", turn.UserMessage().Body)
	require.Equal(t, 1, msgs.Count(c.ID))

	require.Eventually(t, func() bool {
		return turn.State() == TurnAnswerRequested
	}, time.Second, 5*time.Millisecond)

	// Detaching the caller must not cancel the answer.
	cancel()
	close(gen.block)

	select {
	case <-turn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish")
	}
	require.Equal(t, TurnAnswerAppended, turn.State())
	require.NoError(t, turn.Err())
	require.Equal(t, "pong", turn.Reply().Body)
	require.Equal(t, 2, msgs.Count(c.ID))
	require.NotNil(t, gen.requests()[0].Attachment)
}

func TestSendFailureCompensatesTurn(t *testing.T) {
	ctx := context.Background()
	svc, channels, msgs := newTestService(t, &fakeGenerator{err: errors.New("model unavailable")})
	c, _ := channels.Create(ctx, "c1")

	turn, err := svc.Send(ctx, c.ID, "hello", nil)
	require.NoError(t, err)
	<-turn.Done()

	require.Equal(t, TurnCompensated, turn.State())
	require.True(t, turn.State().Terminal())
	var genErr *GenerationError
	require.ErrorAs(t, turn.Err(), &genErr)
	require.Equal(t, 0, msgs.Count(c.ID))
}

func TestSendAnswerTimeoutCompensates(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{reply: "late", block: make(chan struct{})}
	defer close(gen.block)
	svc, channels, msgs := newTestService(t, gen, WithAnswerTimeout(20*time.Millisecond))
	c, _ := channels.Create(ctx, "c1")

	turn, err := svc.Send(ctx, c.ID, "hello", nil)
	require.NoError(t, err)
	<-turn.Done()

	require.Equal(t, TurnCompensated, turn.State())
	require.ErrorIs(t, turn.Err(), context.DeadlineExceeded)
	require.Equal(t, 0, msgs.Count(c.ID))
}

func TestCloseWaitsAndRejects(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{reply: "ok", block: make(chan struct{})}
	svc, channels, _ := newTestService(t, gen)
	c, _ := channels.Create(ctx, "c1")

	turn, err := svc.Send(ctx, c.ID, "hello", nil)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- svc.Close(ctx) }()

	require.Eventually(t, func() bool {
		_, err := svc.Send(ctx, c.ID, "again", nil)
		return errors.Is(err, ErrClosed)
	}, time.Second, 5*time.Millisecond)

	close(gen.block)
	require.NoError(t, <-closed)
	require.Equal(t, TurnAnswerAppended, turn.State())
}

func TestIsTrivial(t *testing.T) {
	require.True(t, IsTrivial(""))
	require.True(t, IsTrivial(" \n"))
	require.True(t, IsTrivial("가"))
	require.False(t, IsTrivial("안녕"))
	require.False(t, IsTrivial("hi"))
}
