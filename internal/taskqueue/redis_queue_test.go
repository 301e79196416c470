package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/dagflow/internal/testutil"
)

const redisTestPrefix = "dagflow:qtest:"

func TestRedisQueue_Contract(t *testing.T) {
	addr := testutil.GetRedisAddress(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	runQueueContract(t, func(t *testing.T) Queue {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, redisTestPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			require.NoError(t, client.Del(ctx, iter.Val()).Err())
		}
		require.NoError(t, iter.Err())

		q := NewRedisQueue(client, redisTestPrefix)
		q.pollInterval = 10 * time.Millisecond
		return q
	})
}
