package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/queue"
	"github.com/cuongbtq/testrun-service/internal/queue/queuetest"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts queue.Options) queue.Queue {
		client, _ := newClient(t)
		return New(client, opts)
	})
}

func TestQueue_KeyLayout(t *testing.T) {
	ctx := context.Background()
	client, mr := newClient(t)
	clock := queuetest.NewClock()
	q := New(client, queue.Options{LeaseDuration: time.Minute, Clock: clock.Now}, WithPrefix("test:"))

	_, err := q.Enqueue(ctx, "job-1", domain.Payload{URL: "https://example.com"})
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:job:job-1"))
	members, err := mr.ZMembers("test:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, members)

	_, err = q.Lease(ctx, "w1")
	require.NoError(t, err)

	score, err := mr.ZScore("test:leased", "job-1")
	require.NoError(t, err)
	assert.Equal(t, float64(clock.Now().Add(time.Minute).UnixMilli()), score)
}

func TestQueue_ConnectionErrorIsRetryable(t *testing.T) {
	client, mr := newClient(t)
	q := New(client, queue.Options{})
	mr.Close()

	_, err := q.Enqueue(context.Background(), "job-1", domain.Payload{})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}
