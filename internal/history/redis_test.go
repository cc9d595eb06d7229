package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisForTest(t *testing.T) (*RedisStore, *RedisLocker) {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	prefix := "questgate-test-" + uuid.NewString()
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
	})
	return NewRedisStore(client, prefix, 48*time.Hour), NewRedisLocker(client, prefix, 5*time.Second)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store, _ := redisForTest(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "u1", sub("b", baseTime.Add(time.Hour))))
	require.NoError(t, store.Append(ctx, "u1", sub("a", baseTime)))

	h, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, h.Submissions, 2)
	assert.Equal(t, "a", h.Submissions[0].ID)
	assert.True(t, h.Submissions[0].Timestamp.Equal(baseTime))
	assert.Equal(t, "h-a", h.Submissions[0].CommitmentHash)
	require.NotNil(t, h.LastSubmissionTime)
	assert.True(t, h.LastSubmissionTime.Equal(baseTime.Add(time.Hour)))

	require.NoError(t, store.MarkVerified(ctx, "u1", "b"))
	assert.ErrorIs(t, store.MarkVerified(ctx, "u1", "zzz"), ErrNotFound)

	h, err = store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, h.VerificationRate, 1e-9)
}

func TestRedisStore_RetentionTrimsVerifiedMarks(t *testing.T) {
	base, _ := redisForTest(t)
	store := NewRedisStore(base.client, base.prefix, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "u1", sub("a", baseTime)))
	require.NoError(t, store.Append(ctx, "u1", sub("b", baseTime.Add(10*time.Minute))))
	require.NoError(t, store.MarkVerified(ctx, "u1", "a"))
	require.NoError(t, store.MarkVerified(ctx, "u1", "b"))

	require.NoError(t, store.Append(ctx, "u1", sub("c", baseTime.Add(2*time.Hour))))

	h, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, h.Submissions, 1)
	assert.Equal(t, "c", h.Submissions[0].ID)
	assert.Zero(t, h.VerificationRate)

	n, err := store.client.SCard(ctx, store.verifiedKey("u1")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_RateIgnoresStaleVerifiedIDs(t *testing.T) {
	store, _ := redisForTest(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "u1", sub("a", baseTime)))
	require.NoError(t, store.client.SAdd(ctx, store.verifiedKey("u1"), "gone-1", "gone-2").Err())

	h, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, h.VerificationRate)
}

func TestRedisStore_Remove(t *testing.T) {
	store, _ := redisForTest(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "u1", sub("a", baseTime)))
	require.NoError(t, store.Append(ctx, "u1", sub("b", baseTime.Add(time.Minute))))
	require.NoError(t, store.MarkVerified(ctx, "u1", "b"))

	require.NoError(t, store.Remove(ctx, "u1", "b"))
	require.NoError(t, store.Remove(ctx, "u1", "missing"))

	h, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, h.Submissions, 1)
	assert.Equal(t, "a", h.Submissions[0].ID)
	assert.Zero(t, h.VerificationRate)
}

func TestRedisLocker_Exclusive(t *testing.T) {
	_, locker := redisForTest(t)

	unlock, err := locker.Lock(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "u1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	again, err := locker.Lock(context.Background(), "u1")
	require.NoError(t, err)
	again()
}
