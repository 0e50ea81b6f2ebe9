package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skalibog/bfat/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsAllJobs(t *testing.T) {
	p := New(3, 4)
	defer p.Close()

	var done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			done.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int64(50), done.Load())
	assert.Equal(t, 3, p.Workers())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(2, 10)
	defer p.Close()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestPool_TrySubmitSaturated(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	// занимаем единственный воркер
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	// заполняем очередь
	require.NoError(t, p.TrySubmit(context.Background(), func(ctx context.Context) {}))

	err := p.TrySubmit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, models.ErrPoolSaturated)

	close(release)
}

func TestPool_SubmitRespectsContext(t *testing.T) {
	p := New(1, 0)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Submit(ctx, func(ctx context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestPool_CloseDrainsAndRejects(t *testing.T) {
	p := New(2, 8)

	var done atomic.Int64
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			done.Add(1)
		}))
	}

	p.Close()
	assert.Equal(t, int64(8), done.Load())

	assert.ErrorIs(t, p.Submit(context.Background(), func(ctx context.Context) {}), models.ErrPoolClosed)
	assert.ErrorIs(t, p.TrySubmit(context.Background(), func(ctx context.Context) {}), models.ErrPoolClosed)

	// повторный Close не паникует
	p.Close()
}

func TestPool_SurvivesPanickingJob(t *testing.T) {
	p := New(1, 2)
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		panic("boom")
	}))

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("воркер не пережил панику")
	}
}
