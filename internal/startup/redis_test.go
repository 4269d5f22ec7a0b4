package startup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestConnectRedisWithRetry(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := ConnectRedisWithRetry(context.Background(), "redis://"+mr.Addr(), 10, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestConnectRedisWithRetryGivesUp(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	start := time.Now()
	_, err := ConnectRedisWithRetry(context.Background(), "redis://"+addr, 10, time.Second)
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}
