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
	"github.com/mymydata/internal/model"
)

// LastMessageReader is the part of the message log the directory reads from.
type LastMessageReader interface {
	GetLastMessage(ctx context.Context, channelID string) (*model.Message, error)
}

// ChannelRepository is the in-memory channel registry. Channels are created
// once and never updated or removed.
type ChannelRepository struct {
	mu       sync.RWMutex
	channels map[string]model.Channel
	messages LastMessageReader
}

func NewChannelRepository(messages LastMessageReader) *ChannelRepository {
	return &ChannelRepository{channels: make(map[string]model.Channel), messages: messages}
}

// Create registers a channel under a new id. Names need not be unique.
func (r *ChannelRepository) Create(ctx context.Context, name string) (model.Channel, error) {
	defer logger.DeferLogDuration("channel.Create", time.Now())()
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Channel{}, errors.Wrap(ErrInvalidArgument, "channelRepo.Create: empty name")
	}
	c := model.Channel{ID: uuid.New().String(), Name: name}
	r.mu.Lock()
	r.channels[c.ID] = c
	r.mu.Unlock()
	return c, nil
}

// FindAll returns every channel sorted by name, each with its latest message.
func (r *ChannelRepository) FindAll(ctx context.Context) ([]model.Channel, error) {
	defer logger.DeferLogDuration("channel.FindAll", time.Now())()
	r.mu.RLock()
	result := make([]model.Channel, 0, len(r.channels))
	for _, c := range r.channels {
		result = append(result, c)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	for i := range result {
		if err := r.withLastMessage(ctx, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// FindByID returns the channel or nil when it is not registered.
func (r *ChannelRepository) FindByID(ctx context.Context, id string) (*model.Channel, error) {
	defer logger.DeferLogDuration("channel.FindByID", time.Now())()
	r.mu.RLock()
	c, ok := r.channels[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if err := r.withLastMessage(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ChannelRepository) Exists(ctx context.Context, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[id]
	return ok
}

func (r *ChannelRepository) withLastMessage(ctx context.Context, c *model.Channel) error {
	if r.messages == nil {
		return nil
	}
	last, err := r.messages.GetLastMessage(ctx, c.ID)
	if err != nil {
		return errors.Wrapf(err, "channelRepo: last message of %s", c.ID)
	}
	c.LastMessage = last
	return nil
}
