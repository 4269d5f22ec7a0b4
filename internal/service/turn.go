package service

import (
	"sync"

	"github.com/mymydata/internal/model"
)

// TurnState is the progress of one user turn.
type TurnState int

const (
	TurnPendingUserAppend TurnState = iota
	TurnUserAppended
	TurnAnswerRequested
	TurnAnswerAppended
	TurnCompensated
)

func (s TurnState) String() string {
	switch s {
	case TurnPendingUserAppend:
		return "pending_user_append"
	case TurnUserAppended:
		return "user_appended"
	case TurnAnswerRequested:
		return "answer_requested"
	case TurnAnswerAppended:
		return "answer_appended"
	case TurnCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// Terminal reports whether the turn can no longer change.
func (s TurnState) Terminal() bool {
	return s == TurnAnswerAppended || s == TurnCompensated
}

// Turn tracks a user message and the answer requested for it. Done is closed
// once the turn reaches a terminal state.
type Turn struct {
	ChannelID string

	mu    sync.Mutex
	state TurnState
	user  model.Message
	reply model.Message
	err   error
	done  chan struct{}
}

func newTurn(channelID string) *Turn {
	return &Turn{ChannelID: channelID, done: make(chan struct{})}
}

func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Err is the generation failure of a compensated turn, nil otherwise.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Turn) UserMessage() model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.user
}

// Reply is the assistant message; zero until the turn reaches TurnAnswerAppended.
func (t *Turn) Reply() model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reply
}

func (t *Turn) userAppended(m model.Message) {
	t.mu.Lock()
	t.user = m
	t.state = TurnUserAppended
	t.mu.Unlock()
}

func (t *Turn) answerRequested() {
	t.mu.Lock()
	t.state = TurnAnswerRequested
	t.mu.Unlock()
}

func (t *Turn) finish(reply model.Message, err error) {
	t.mu.Lock()
	if err != nil {
		t.state = TurnCompensated
		t.err = err
	} else {
		t.state = TurnAnswerAppended
		t.reply = reply
	}
	t.mu.Unlock()
	close(t.done)
}
