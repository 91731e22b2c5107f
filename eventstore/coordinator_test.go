package eventstore_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-eventstore/eventstore"
	"github.com/x-research-team/dtx-eventstore/eventstore/memory"
)

// reclaimerFunc позволяет использовать функцию как Reclaimer.
type reclaimerFunc func(ctx context.Context, channel string, expiry time.Duration) (int, error)

func (f reclaimerFunc) ReclaimAndResend(ctx context.Context, channel string, expiry time.Duration) (int, error) {
	return f(ctx, channel, expiry)
}

// Четыре координатора, работающих одновременно, отправляют каждую зависшую
// запись ровно один раз за цикл.
func TestCoordinator_ConcurrentCoordinators(t *testing.T) {
	const (
		records      = 5
		coordinators = 4
		cycles       = 3
	)

	clock := eventstore.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	storage := memory.NewStorage(memory.WithClock(clock))

	var mu sync.Mutex
	dispatched := make(map[string]int)
	sender := eventstore.SenderFunc(func(_ context.Context, msg *eventstore.Message, _ string) error {
		mu.Lock()
		dispatched[msg.EventID()]++
		mu.Unlock()
		return nil
	})

	newService := func() *eventstore.Service {
		registry := eventstore.NewRegistry()
		require.NoError(t, registry.Register("orders", sender))
		return eventstore.NewService(storage, registry)
	}

	publisher := newService()
	for i := 0; i < records; i++ {
		_, err := publisher.Publish(context.Background(), eventstore.NewMessage(i), "orders")
		require.NoError(t, err)
	}

	coords := make([]*eventstore.Coordinator, coordinators)
	for i := range coords {
		svc := newService()
		coords[i] = eventstore.NewCoordinator(svc,
			eventstore.WithChannelRegistry(svc.Registry()),
			eventstore.WithExpiry(time.Minute),
		)
	}

	for cycle := 0; cycle < cycles; cycle++ {
		clock.Advance(time.Minute + time.Second)

		var (
			wg    sync.WaitGroup
			total atomic.Int64
		)
		for _, c := range coords {
			wg.Add(1)
			go func(c *eventstore.Coordinator) {
				defer wg.Done()
				n, err := c.RunOnce(context.Background())
				assert.NoError(t, err)
				total.Add(int64(n))
			}(c)
		}
		wg.Wait()
		assert.Equal(t, int64(records), total.Load(), "цикл %d", cycle)
	}

	all, err := storage.FindAll(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, all, records)
	for _, r := range all {
		assert.Equal(t, int64(cycles+1), r.AttemptCount)
		assert.Equal(t, cycles+1, dispatched[r.ID])
	}
}

func TestCoordinator_RunOnceChannels(t *testing.T) {
	t.Parallel()

	t.Run("все каналы без реестра", func(t *testing.T) {
		var got []string
		c := eventstore.NewCoordinator(reclaimerFunc(func(_ context.Context, channel string, expiry time.Duration) (int, error) {
			got = append(got, channel)
			assert.Equal(t, eventstore.DefaultExpiryThreshold, expiry)
			return 1, nil
		}))

		n, err := c.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{""}, got)
	})

	t.Run("каналы реестра", func(t *testing.T) {
		registry := eventstore.NewRegistry()
		noop := eventstore.SenderFunc(func(context.Context, *eventstore.Message, string) error { return nil })
		require.NoError(t, registry.Register("payments", noop))
		require.NoError(t, registry.Register("orders", noop))

		var got []string
		c := eventstore.NewCoordinator(reclaimerFunc(func(_ context.Context, channel string, _ time.Duration) (int, error) {
			got = append(got, channel)
			return 2, nil
		}), eventstore.WithChannelRegistry(registry))

		n, err := c.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, []string{"orders", "payments"}, got)
	})

	t.Run("ошибка канала не мешает остальным", func(t *testing.T) {
		failure := errors.New("хранилище недоступно")
		var got []string
		c := eventstore.NewCoordinator(reclaimerFunc(func(_ context.Context, channel string, _ time.Duration) (int, error) {
			got = append(got, channel)
			if channel == "a" {
				return 0, failure
			}
			return 1, nil
		}), eventstore.WithChannels("a", "b"))

		n, err := c.RunOnce(context.Background())
		require.ErrorIs(t, err, failure)
		assert.Contains(t, err.Error(), "'a'")
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"a", "b"}, got)
	})
}

// Ошибки и паники цикла не останавливают координатор.
func TestCoordinator_RunSurvivesFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := eventstore.NewCoordinator(reclaimerFunc(func(context.Context, string, time.Duration) (int, error) {
		switch calls.Add(1) {
		case 1:
			panic("неожиданная ошибка")
		case 2:
			return 0, errors.New("хранилище недоступно")
		default:
			return 0, nil
		}
	}), eventstore.WithInterval(time.Millisecond))

	c.Start()
	c.Start()

	require.Eventually(t, func() bool {
		return calls.Load() >= 4
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()), "повторная остановка не должна вызывать ошибку")
}

// Stop дожидается завершения текущего цикла, который не прерывается отменой.
func TestCoordinator_StopWaitsForCycle(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var cycleErr atomic.Value

	c := eventstore.NewCoordinator(reclaimerFunc(func(ctx context.Context, _ string, _ time.Duration) (int, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		if err := ctx.Err(); err != nil {
			cycleErr.Store(err)
		}
		return 0, nil
	}), eventstore.WithInterval(time.Hour))

	c.Start()
	<-entered

	stopped := make(chan error, 1)
	go func() {
		stopped <- c.Stop(context.Background())
	}()

	select {
	case <-stopped:
		t.Fatal("Stop вернул управление до завершения цикла")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Nil(t, cycleErr.Load(), "текущий цикл не должен видеть отмену")
}

func TestCoordinator_StopTimeout(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	c := eventstore.NewCoordinator(reclaimerFunc(func(context.Context, string, time.Duration) (int, error) {
		close(entered)
		<-release
		return 0, nil
	}), eventstore.WithInterval(time.Hour))

	c.Start()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// Start после Stop с истекшим ctx не запускает второй цикл, пока первый
// еще выполняется; после его завершения координатор запускается снова.
func TestCoordinator_StartAfterStopTimeout(t *testing.T) {
	t.Parallel()

	var (
		inFlight    atomic.Int32
		maxInFlight atomic.Int32
		calls       atomic.Int32
	)
	entered := make(chan struct{}, 4)
	release := make(chan struct{})

	c := eventstore.NewCoordinator(reclaimerFunc(func(context.Context, string, time.Duration) (int, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return 0, nil
	}), eventstore.WithInterval(time.Hour))

	c.Start()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Stop(ctx), context.DeadlineExceeded)

	c.Start()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	require.NoError(t, c.Stop(context.Background()))

	c.Start()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("координатор не запустился после полной остановки")
	}
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestCoordinator_StopWithoutStart(t *testing.T) {
	t.Parallel()

	c := eventstore.NewCoordinator(reclaimerFunc(func(context.Context, string, time.Duration) (int, error) {
		return 0, nil
	}))
	assert.NoError(t, c.Stop(context.Background()))
}

// Run возвращает управление после отмены контекста.
func TestCoordinator_RunReturnsOnCancel(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := eventstore.NewCoordinator(reclaimerFunc(func(context.Context, string, time.Duration) (int, error) {
		calls.Add(1)
		return 0, nil
	}), eventstore.WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run не остановился")
	}
	assert.Equal(t, int32(1), calls.Load())
}
