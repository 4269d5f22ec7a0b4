package service

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/mymydata/internal/logger"
	"github.com/mymydata/internal/metrics"
	"github.com/mymydata/internal/model"
)

const (
	DefaultContextSize          = 100
	DefaultAnswerTimeout        = 2 * time.Minute
	DefaultMaxConcurrentAnswers = 16
)

// GenerateRequest is one call into the answer generator.
type GenerateRequest struct {
	// ConversationKey scopes the generator's conversation memory; it is the channel id.
	ConversationKey string
	// ContextSize bounds how many prior turns the generator may use.
	ContextSize int
	UserText    string
	Attachment  *model.Attachment
}

// AnswerGenerator produces the assistant reply for a user message.
type AnswerGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// ChannelDirectory is the part of the channel registry the service needs.
type ChannelDirectory interface {
	Exists(ctx context.Context, id string) bool
}

// MessageLog is the part of the sequenced message log the service needs.
type MessageLog interface {
	Append(ctx context.Context, nm model.NewMessage) (model.Message, error)
	DeleteLastOfRole(ctx context.Context, channelID string, author model.Author) (model.Message, bool, error)
}

type Option func(*ChatService)

// WithContextSize sets how many prior turns are handed to the generator.
func WithContextSize(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.contextSize = n
		}
	}
}

// WithAnswerTimeout bounds a single background answer.
func WithAnswerTimeout(d time.Duration) Option {
	return func(s *ChatService) {
		if d > 0 {
			s.answerTimeout = d
		}
	}
}

// WithMaxConcurrentAnswers bounds how many answers are generated at once.
func WithMaxConcurrentAnswers(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.maxAnswers = n
		}
	}
}

// ChatService runs user turns: it posts the user message, asks the generator
// for an answer off the caller's path and either appends the reply or
// removes the unanswered user message.
type ChatService struct {
	channels  ChannelDirectory
	messages  MessageLog
	generator AnswerGenerator
	clock     Clock

	contextSize   int
	answerTimeout time.Duration
	maxAnswers    int
	sem           *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewChatService(channels ChannelDirectory, messages MessageLog, generator AnswerGenerator, clock Clock, opts ...Option) *ChatService {
	if clock == nil {
		clock = SystemClock{}
	}
	s := &ChatService{
		channels:      channels,
		messages:      messages,
		generator:     generator,
		clock:         clock,
		contextSize:   DefaultContextSize,
		answerTimeout: DefaultAnswerTimeout,
		maxAnswers:    DefaultMaxConcurrentAnswers,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.maxAnswers))
	return s
}

// PostMessage appends body to the channel log as written by author.
func (s *ChatService) PostMessage(ctx context.Context, channelID, body string, author model.Author) (model.Message, error) {
	if !s.channels.Exists(ctx, channelID) {
		return model.Message{}, errors.Wrapf(ErrChannelNotFound, "post to %q", channelID)
	}
	m, err := s.messages.Append(ctx, model.NewMessage{
		ChannelID: channelID,
		Timestamp: s.clock.Now(),
		Body:      body,
		Author:    author,
	})
	if err != nil {
		return model.Message{}, errors.Wrap(err, "chatService.PostMessage")
	}
	return m, nil
}

// AnswerMessage asks the generator to answer body and appends the reply as
// the assistant. If generation or the append fails, the channel's most
// recent user message is deleted and a *GenerationError is returned.
func (s *ChatService) AnswerMessage(ctx context.Context, channelID, body string, attachment *model.Attachment) (model.Message, error) {
	defer logger.DeferLogDuration("chat.AnswerMessage", time.Now())()

	reply, err := s.generator.Generate(ctx, GenerateRequest{
		ConversationKey: channelID,
		ContextSize:     s.contextSize,
		UserText:        body,
		Attachment:      attachment,
	})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty answer")
	}
	if err != nil {
		return model.Message{}, s.compensate(ctx, channelID, err)
	}

	m, err := s.messages.Append(ctx, model.NewMessage{
		ChannelID: channelID,
		Timestamp: s.clock.Now(),
		Body:      reply,
		Author:    model.AuthorAssistant,
	})
	if err != nil {
		return model.Message{}, s.compensate(ctx, channelID, errors.Wrap(err, "append answer"))
	}
	metrics.Answers.WithLabelValues("ok").Inc()
	return m, nil
}

func (s *ChatService) compensate(ctx context.Context, channelID string, cause error) error {
	metrics.Answers.WithLabelValues("failed").Inc()
	logger.Errorf("chat: answer failed channel=%s: %v", channelID, cause)

	// The answer context may already be expired; the delete must still happen.
	removed, ok, err := s.messages.DeleteLastOfRole(context.WithoutCancel(ctx), channelID, model.AuthorUser)
	switch {
	case err != nil:
		logger.Errorf("chat: compensating delete channel=%s: %v", channelID, err)
	case !ok:
		logger.Warnf("chat: compensating delete channel=%s: no user message left", channelID)
	default:
		logger.Infof("chat: removed unanswered message channel=%s seq=%d", channelID, removed.Sequence)
	}
	return &GenerationError{ChannelID: channelID, Cause: cause}
}

// IsTrivial reports whether text is too short to be worth a turn.
func IsTrivial(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) <= 1
}

// Send runs a full user turn. The user message is posted before Send returns;
// the answer is generated in the background and reported through the Turn.
// Cancelling ctx after Send returns does not cancel the answer.
func (s *ChatService) Send(ctx context.Context, channelID, body string, attachment *model.Attachment) (*Turn, error) {
	if IsTrivial(body) {
		return nil, ErrTrivialInput
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	turn := newTurn(channelID)
	user, err := s.PostMessage(ctx, channelID, body, model.AuthorUser)
	if err != nil {
		s.wg.Done()
		return turn, err
	}
	turn.userAppended(user)

	go func() {
		defer s.wg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.answerTimeout)
		defer cancel()

		if err := s.sem.Acquire(actx, 1); err != nil {
			turn.finish(model.Message{}, s.compensate(actx, channelID, errors.Wrap(err, "wait for answer slot")))
			return
		}
		defer s.sem.Release(1)

		turn.answerRequested()
		reply, err := s.AnswerMessage(actx, channelID, body, attachment)
		turn.finish(reply, err)
	}()
	return turn, nil
}

// Wait blocks until every in-flight turn has finished or ctx is done.
func (s *ChatService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new turns and waits for in-flight ones.
func (s *ChatService) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Wait(ctx)
}
