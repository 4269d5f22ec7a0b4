package redis

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/mymydata/internal/storage"
)

const (
	// KeyPrefix — диалог канала хранится списком chatmem:{key}.
	KeyPrefix       = "chatmem:"
	DefaultMaxTurns = 200
)

type Client struct {
	cli      *redis.Client
	maxTurns int
}

func New(ctx context.Context, url string, maxTurns int) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "redis parse url")
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, errors.Wrapf(err, "redis ping (close: %v)", closeErr)
		}
		return nil, errors.Wrap(err, "redis ping")
	}
	return NewFromClient(cli, maxTurns), nil
}

// NewFromClient оборачивает готовый клиент (например, для тестов с miniredis).
func NewFromClient(cli *redis.Client, maxTurns int) *Client {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Client{cli: cli, maxTurns: maxTurns}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Append дописывает реплики и обрезает список до maxTurns последних в одной транзакции.
func (c *Client) Append(ctx context.Context, key string, turns ...storage.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	vals := make([]any, 0, len(turns))
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return errors.Wrap(err, "redis marshal turn")
		}
		vals = append(vals, b)
	}
	k := KeyPrefix + key
	pipe := c.cli.TxPipeline()
	pipe.RPush(ctx, k, vals...)
	pipe.LTrim(ctx, k, int64(-c.maxTurns), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "redis append %s", k)
	}
	return nil
}

// Recent читает не более n последних реплик (LRANGE -n -1), от старых к новым.
func (c *Client) Recent(ctx context.Context, key string, n int) ([]storage.Turn, error) {
	if n <= 0 {
		return []storage.Turn{}, nil
	}
	raw, err := c.cli.LRange(ctx, KeyPrefix+key, int64(-n), -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis recent %s", key)
	}
	out := make([]storage.Turn, 0, len(raw))
	for _, r := range raw {
		var t storage.Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, errors.Wrapf(err, "redis decode turn %s", key)
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Client) Clear(ctx context.Context, key string) error {
	return c.cli.Del(ctx, KeyPrefix+key).Err()
}
