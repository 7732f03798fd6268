package querycache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchLoadsOnce(t *testing.T) {
	c := New[int](time.Minute)
	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.Fetch(context.Background(), "answer", load)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c := New[int](time.Minute)
	boom := errors.New("boom")

	_, err := c.Fetch(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	v, err := c.Fetch(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestInvalidate(t *testing.T) {
	c := New[string](time.Minute)
	c.Set("timeline:a:1", "x")
	c.Set("timeline:a:2", "y")
	c.Set("timeline:b:1", "z")
	c.Set("conversations:1", "w")

	c.Invalidate("conversations:1")
	_, ok := c.Get("conversations:1")
	assert.False(t, ok)

	assert.Equal(t, 2, c.InvalidatePrefix("timeline:a:"))
	_, ok = c.Get("timeline:b:1")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestExpiry(t *testing.T) {
	c := New[int](20 * time.Millisecond)
	c.Set("k", 1)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidateDuringLoadKeepsResultOut(t *testing.T) {
	tests := []struct {
		name       string
		invalidate func(c *Cache[string])
	}{
		{"key", func(c *Cache[string]) { c.Invalidate("timeline:a:1") }},
		{"prefix", func(c *Cache[string]) { c.InvalidatePrefix("timeline:a:") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New[string](time.Minute)
			started := make(chan struct{})
			release := make(chan struct{})

			done := make(chan string, 1)
			go func() {
				v, _ := c.Fetch(context.Background(), "timeline:a:1", func(context.Context) (string, error) {
					close(started)
					<-release
					return "before", nil
				})
				done <- v
			}()

			<-started
			tt.invalidate(c)
			close(release)
			assert.Equal(t, "before", <-done)

			_, ok := c.Get("timeline:a:1")
			assert.False(t, ok)

			v, err := c.Fetch(context.Background(), "timeline:a:1", func(context.Context) (string, error) {
				return "after", nil
			})
			require.NoError(t, err)
			assert.Equal(t, "after", v)
		})
	}
}

func TestFetchSharesConcurrentLoad(t *testing.T) {
	c := New[int](time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	load := func(context.Context) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return 5, nil
	}

	results := make(chan int, 2)
	go func() {
		v, _ := c.Fetch(context.Background(), "k", load)
		results <- v
	}()
	<-started
	go func() {
		v, _ := c.Fetch(context.Background(), "k", load)
		results <- v
	}()

	// Give the second fetch time to join the running load.
	time.Sleep(20 * time.Millisecond)
	close(release)
	assert.Equal(t, 5, <-results)
	assert.Equal(t, 5, <-results)
	assert.Equal(t, int32(1), calls.Load())
}
