package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedis(t *testing.T) *redis.Client {
	addr := os.Getenv("DICTION_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DICTION_TEST_REDIS_ADDR not set")
	}

	rc := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rc.Close() })
	require.NoError(t, rc.Ping(context.Background()).Err())
	return rc
}

func TestRedisStoreSaveAttemptHistory(t *testing.T) {
	rc := newTestRedis(t)
	ctx := context.Background()
	store := NewRedisStore(zaptest.NewLogger(t), rc)

	s := completedSession()
	s.Request.UserID = fmt.Sprintf("user-%d", time.Now().UnixNano())
	a, err := NewAttempt(s, time.Now())
	require.NoError(t, err)

	key := fmt.Sprintf(redisAttemptKey, a.PartitionKey, a.RowKey)
	partition := fmt.Sprintf(redisPartitionKey, a.PartitionKey)
	t.Cleanup(func() { rc.Del(context.Background(), key, partition) })

	require.NoError(t, store.SaveAttemptHistory(ctx, a))

	stored, err := rc.HGetAll(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, a.RowKey, stored["row_key"])
	assert.Equal(t, "good morning", stored["recognized_text"])

	members, err := rc.ZRange(ctx, partition, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{a.RowKey}, members)

	// history is create-only
	assert.Error(t, store.SaveAttemptHistory(ctx, a))
	members, err = rc.ZRange(ctx, partition, 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, members, 1)
}
