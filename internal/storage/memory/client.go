package memory

import (
	"context"
	"sync"

	"github.com/mymydata/internal/storage"
)

// DefaultMaxTurns — сколько реплик хранится на один диалог.
const DefaultMaxTurns = 200

// Client хранит память диалогов в процессе; используется без Redis.
type Client struct {
	mu       sync.RWMutex
	maxTurns int
	turns    map[string][]storage.Turn
}

func New(maxTurns int) *Client {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Client{maxTurns: maxTurns, turns: make(map[string][]storage.Turn)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Append(ctx context.Context, key string, turns ...storage.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	all := append(c.turns[key], turns...)
	if over := len(all) - c.maxTurns; over > 0 {
		all = append([]storage.Turn(nil), all[over:]...)
	}
	c.turns[key] = all
	return nil
}

func (c *Client) Recent(ctx context.Context, key string, n int) ([]storage.Turn, error) {
	if n <= 0 {
		return []storage.Turn{}, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := c.turns[key]
	start := len(all) - n
	if start < 0 {
		start = 0
	}
	out := make([]storage.Turn, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

func (c *Client) Clear(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.turns, key)
	c.mu.Unlock()
	return nil
}
