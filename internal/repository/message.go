package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mymydata/internal/logger"
	"github.com/mymydata/internal/metrics"
	"github.com/mymydata/internal/model"
)

// EventPublisher receives every committed append and delete. Publish must not block.
type EventPublisher interface {
	Publish(ev model.Event)
}

// channelLog is the append-only log of one channel. messages is ordered by
// Sequence; deletes remove entries but never renumber.
type channelLog struct {
	mu       sync.RWMutex
	lastSeq  int64
	messages []model.Message
	seqByID  map[string]int64
}

// MessageRepository is an in-memory, per-channel sequenced message log.
// Appends and deletes on the same channel are serialized; different channels
// never contend with each other.
type MessageRepository struct {
	mu   sync.RWMutex
	logs map[string]*channelLog
	pub  EventPublisher
}

func NewMessageRepository(pub EventPublisher) *MessageRepository {
	return &MessageRepository{logs: make(map[string]*channelLog), pub: pub}
}

func (r *MessageRepository) log(channelID string, create bool) *channelLog {
	r.mu.RLock()
	l, ok := r.logs[channelID]
	r.mu.RUnlock()
	if ok || !create {
		return l
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok = r.logs[channelID]; ok {
		return l
	}
	l = &channelLog{seqByID: make(map[string]int64)}
	r.logs[channelID] = l
	return l
}

// Append stores nm with a fresh id and the next sequence number of its channel.
func (r *MessageRepository) Append(ctx context.Context, nm model.NewMessage) (model.Message, error) {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	if strings.TrimSpace(nm.ChannelID) == "" {
		return model.Message{}, errors.Wrap(ErrInvalidArgument, "msgRepo.Append: empty channel id")
	}
	if nm.Timestamp.IsZero() {
		nm.Timestamp = time.Now().UTC()
	}

	l := r.log(nm.ChannelID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	m := model.Message{
		ID:        uuid.New().String(),
		ChannelID: nm.ChannelID,
		Sequence:  l.lastSeq,
		Timestamp: nm.Timestamp,
		Author:    nm.Author.Name(),
		Body:      nm.Body,
		Color:     nm.Author.Color(),
	}
	l.messages = append(l.messages, m)
	l.seqByID[m.ID] = m.Sequence
	metrics.MessagesAppended.Inc()

	// Published under the channel lock so live order matches sequence order.
	if r.pub != nil {
		r.pub.Publish(model.Appended(m))
	}
	return m, nil
}

// FindLatest returns up to fetchMax messages of the channel, oldest first.
// With an empty or unknown lastSeenID it returns the fetchMax most recent
// messages; otherwise only messages sequenced after lastSeenID.
func (r *MessageRepository) FindLatest(ctx context.Context, channelID string, fetchMax int, lastSeenID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.FindLatest", time.Now())()
	if fetchMax <= 0 {
		return []model.Message{}, nil
	}
	l := r.log(channelID, false)
	if l == nil {
		return []model.Message{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var window []model.Message
	cursor, known := l.seqByID[lastSeenID]
	if lastSeenID != "" && known {
		start := sort.Search(len(l.messages), func(i int) bool {
			return l.messages[i].Sequence > cursor
		})
		end := start + fetchMax
		if end > len(l.messages) {
			end = len(l.messages)
		}
		window = l.messages[start:end]
	} else {
		start := len(l.messages) - fetchMax
		if start < 0 {
			start = 0
		}
		window = l.messages[start:]
	}

	out := make([]model.Message, len(window))
	copy(out, window)
	return out, nil
}

// GetLastMessage returns the highest-sequence message of the channel, or nil if it has none.
func (r *MessageRepository) GetLastMessage(ctx context.Context, channelID string) (*model.Message, error) {
	msgs, err := r.FindLatest(ctx, channelID, 1, "")
	if err != nil {
		return nil, errors.Wrap(err, "msgRepo.GetLastMessage")
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// DeleteLastOfRole removes the most recent message written by author. It
// reports false when the channel has no such message.
func (r *MessageRepository) DeleteLastOfRole(ctx context.Context, channelID string, author model.Author) (model.Message, bool, error) {
	defer logger.DeferLogDuration("msg.DeleteLastOfRole", time.Now())()
	l := r.log(channelID, false)
	if l == nil {
		return model.Message{}, false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	name := author.Name()
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Author != name {
			continue
		}
		m := l.messages[i]
		l.messages = append(l.messages[:i], l.messages[i+1:]...)
		delete(l.seqByID, m.ID)
		metrics.MessagesDeleted.Inc()
		if r.pub != nil {
			r.pub.Publish(model.Deleted(m))
		}
		return m, true, nil
	}
	return model.Message{}, false, nil
}

// Count returns the number of stored messages in the channel.
func (r *MessageRepository) Count(channelID string) int {
	l := r.log(channelID, false)
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
