package startup

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mymydata/internal/logger"
	redisstorage "github.com/mymydata/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами и экспоненциальной паузой
// (от 2s до 30s). Возвращает ошибку, если за maxWait подключиться не удалось
// или ctx отменён.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxTurns int, maxWait time.Duration) (*redisstorage.Client, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := redisstorage.New(pingCtx, redisURL, maxTurns)
		cancel()
		if err == nil {
			return client, nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return nil, errors.Wrapf(err, "redis: gave up after %v", maxWait)
		}
		logger.Errorf("redis connect failed, retry in %v: %v", backoff, err)
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "redis connect")
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
