package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 2, QueueSize: 16})
	defer p.Stop(time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Go(func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			seen++
			mu.Unlock()
			return nil
		}))
	}
	wg.Wait()
	assert.Equal(t, 10, seen)
}

func TestPoolRecoversPanicsAndCountsFailures(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer p.Stop(time.Second)

	done := make(chan struct{})
	require.NoError(t, p.Go(func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Go(func(context.Context) error { return errors.New("bad") }))
	require.NoError(t, p.Go(func(context.Context) error { close(done); return nil }))
	<-done

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Failed == 2 && s.Completed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	require.NoError(t, p.Stop(time.Second))
	assert.Error(t, p.Go(func(context.Context) error { return nil }))
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}
