// Package queuetest holds behaviour tests shared by every queue.Queue backend.
package queuetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty queue using opts
type Factory func(t *testing.T, opts queue.Options) queue.Queue

const leaseDuration = time.Minute

func payload(url string) domain.Payload {
	return domain.Payload{URL: url, Prompt: "check title"}
}

// Run exercises the lease contract against a backend
func Run(t *testing.T, factory Factory) {
	setup := func(t *testing.T) (queue.Queue, *Clock) {
		clock := NewClock()
		q := factory(t, queue.Options{
			LeaseDuration:   leaseDuration,
			MaxLeaseRetries: 2,
			Clock:           clock.Now,
		})
		return q, clock
	}

	t.Run("enqueue is idempotent while live", func(t *testing.T) {
		ctx := context.Background()
		q, _ := setup(t)

		created, err := q.Enqueue(ctx, "job-1", payload("https://example.com"))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = q.Enqueue(ctx, "job-1", payload("https://example.com"))
		require.NoError(t, err)
		assert.False(t, created)

		entry, err := q.Lease(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, entry)

		created, err = q.Enqueue(ctx, "job-1", payload("https://example.com"))
		require.NoError(t, err)
		assert.False(t, created, "leased entry must not be duplicated")

		next, err := q.Lease(ctx, "w2")
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("lease returns oldest entry with payload", func(t *testing.T) {
		ctx := context.Background()
		q, clock := setup(t)

		_, err := q.Enqueue(ctx, "job-1", payload("https://one.example"))
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = q.Enqueue(ctx, "job-2", payload("https://two.example"))
		require.NoError(t, err)

		first, err := q.Lease(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "job-1", first.JobID)
		assert.Equal(t, "https://one.example", first.Payload.URL)
		assert.Equal(t, "check title", first.Payload.Prompt)
		assert.Equal(t, domain.EntryLeased, first.State)
		assert.Equal(t, "w1", first.LeaseOwner)
		assert.Equal(t, 1, first.Attempts)
		assert.True(t, first.LockUntil.Equal(clock.Now().Add(leaseDuration)))

		second, err := q.Lease(ctx, "w2")
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, "job-2", second.JobID)

		none, err := q.Lease(ctx, "w3")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("only the owner may act on a lease", func(t *testing.T) {
		ctx := context.Background()
		q, _ := setup(t)

		_, err := q.Enqueue(ctx, "job-1", payload("https://example.com"))
		require.NoError(t, err)
		_, err = q.Lease(ctx, "w1")
		require.NoError(t, err)

		assert.ErrorIs(t, q.Renew(ctx, "job-1", "w2"), domain.ErrLeaseLost)
		assert.ErrorIs(t, q.Complete(ctx, "job-1", "w2"), domain.ErrLeaseLost)
		assert.ErrorIs(t, q.Fail(ctx, "job-1", "w2", false), domain.ErrLeaseLost)
		assert.ErrorIs(t, q.Complete(ctx, "missing", "w1"), domain.ErrLeaseLost)

		require.NoError(t, q.Complete(ctx, "job-1", "w1"))
		entry, err := q.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.EntryCompleted, entry.State)
	})

	t.Run("renew keeps the lease from expiring", func(t *testing.T) {
		ctx := context.Background()
		q, clock := setup(t)

		_, err := q.Enqueue(ctx, "job-1", payload("https://example.com"))
		require.NoError(t, err)
		_, err = q.Lease(ctx, "w1")
		require.NoError(t, err)

		clock.Advance(leaseDuration / 2)
		require.NoError(t, q.Renew(ctx, "job-1", "w1"))
		clock.Advance(leaseDuration * 3 / 4)

		stolen, err := q.Lease(ctx, "w2")
		require.NoError(t, err)
		assert.Nil(t, stolen)
		require.NoError(t, q.Complete(ctx, "job-1", "w1"))
	})

	t.Run("expired lease is redelivered to another worker", func(t *testing.T) {
		ctx := context.Background()
		q, clock := setup(t)

		_, err := q.Enqueue(ctx, "job-1", payload("https://example.com"))
		require.NoError(t, err)
		_, err = q.Lease(ctx, "w1")
		require.NoError(t, err)

		clock.Advance(leaseDuration)

		entry, err := q.Lease(ctx, "w2")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, "w2", entry.LeaseOwner)
		assert.Equal(t, 2, entry.Attempts)

		assert.ErrorIs(t, q.Complete(ctx, "job-1", "w1"), domain.ErrLeaseLost)
		require.NoError(t, q.Complete(ctx, "job-1", "w2"))
	})

	t.Run("redelivery is bounded by max lease retries", func(t *testing.T) {
		ctx := context.Background()
		q, clock := setup(t)

		_, err := q.Enqueue(ctx, "job-1", payload("https://example.com"))
		require.NoError(t, err)

		// first lease plus two redeliveries
		for i := 1; i <= 3; i++ {
			entry, err := q.Lease(ctx, "w1")
			require.NoError(t, err)
			require.NotNil(t, entry, "lease %d", i)
			assert.Equal(t, i, entry.Attempts)
			clock.Advance(leaseDuration)
		}

		entry, err := q.Lease(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, entry)

		got, err := q.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.EntryFailed, got.State)
		assert.False(t, got.Live(clock.Now(), 2))
	})

	t.Run("fail honours retryable and budget", func(t *testing.T) {
		ctx := context.Background()
		q, _ := setup(t)

		_, err := q.Enqueue(ctx, "job-1", payload("https://example.com"))
		require.NoError(t, err)
		_, err = q.Lease(ctx, "w1")
		require.NoError(t, err)

		require.NoError(t, q.Fail(ctx, "job-1", "w1", true))
		entry, err := q.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.EntryPending, entry.State)

		_, err = q.Lease(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, "job-1", "w1", false))
		entry, err = q.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.EntryFailed, entry.State)
	})

	t.Run("finished entries can be enqueued again", func(t *testing.T) {
		ctx := context.Background()
		q, _ := setup(t)

		_, err := q.Enqueue(ctx, "job-1", payload("https://example.com"))
		require.NoError(t, err)
		_, err = q.Lease(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, "job-1", "w1", false))

		created, err := q.Enqueue(ctx, "job-1", payload("https://example.com"))
		require.NoError(t, err)
		assert.True(t, created)

		entry, err := q.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.EntryPending, entry.State)
		assert.Equal(t, 0, entry.Attempts)
	})

	t.Run("get unknown entry", func(t *testing.T) {
		q, _ := setup(t)
		_, err := q.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrEntryNotFound)
	})

	t.Run("clean removes old finished entries", func(t *testing.T) {
		ctx := context.Background()
		q, clock := setup(t)

		for _, id := range []string{"job-1", "job-2"} {
			_, err := q.Enqueue(ctx, id, payload("https://example.com"))
			require.NoError(t, err)
			_, err = q.Lease(ctx, "w1")
			require.NoError(t, err)
			require.NoError(t, q.Complete(ctx, id, "w1"))
		}
		_, err := q.Enqueue(ctx, "job-3", payload("https://example.com"))
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)

		removed, err := q.Clean(ctx, domain.EntryCompleted, time.Hour, 100)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		_, err = q.Get(ctx, "job-1")
		assert.ErrorIs(t, err, domain.ErrEntryNotFound)
		_, err = q.Get(ctx, "job-3")
		assert.NoError(t, err)

		removed, err = q.Clean(ctx, domain.EntryFailed, time.Hour, 100)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("concurrent leases never share an entry", func(t *testing.T) {
		ctx := context.Background()
		q, _ := setup(t)

		const jobs = 20
		for i := 0; i < jobs; i++ {
			_, err := q.Enqueue(ctx, "job-"+string(rune('a'+i)), payload("https://example.com"))
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					entry, err := q.Lease(ctx, worker)
					if err != nil || entry == nil {
						return
					}
					mu.Lock()
					seen[entry.JobID]++
					mu.Unlock()
				}
			}("w" + string(rune('0'+w)))
		}
		wg.Wait()

		assert.Len(t, seen, jobs)
		for id, n := range seen {
			assert.Equal(t, 1, n, id)
		}
	})
}
