package limiter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestClamping(t *testing.T) {
	tests := []struct {
		name         string
		concurrent   int
		interval     time.Duration
		wantMax      int
		wantInterval time.Duration
	}{
		{"zero values", 0, 0, 1, 0},
		{"negative values", -3, -time.Second, 1, 0},
		{"in range", 3, 500 * time.Millisecond, 3, 500 * time.Millisecond},
		{"above range", 12, 20 * time.Second, 5, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(Config{MaxConcurrent: tt.concurrent, MinInterval: tt.interval})
			s := l.Status()
			assert.Equal(t, tt.wantMax, s.MaxConcurrent)
			assert.Equal(t, tt.wantInterval, s.MinInterval)

			l = New(Config{MaxConcurrent: 2})
			l.UpdateConfig(Config{MaxConcurrent: tt.concurrent, MinInterval: tt.interval})
			s = l.Status()
			assert.Equal(t, tt.wantMax, s.MaxConcurrent)
			assert.Equal(t, tt.wantInterval, s.MinInterval)
		})
	}
}

func TestConcurrencyBound(t *testing.T) {
	l := New(Config{MaxConcurrent: 2})

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Run(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
	assert.Equal(t, 0, l.Status().CurrentCount)
}

func TestMinIntervalSpacesCompletions(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, MinInterval: time.Second})

	var completions []time.Time
	for i := 0; i < 2; i++ {
		err := l.Run(context.Background(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		require.NoError(t, err)
		completions = append(completions, time.Now())
	}

	assert.GreaterOrEqual(t, completions[1].Sub(completions[0]), time.Second)
}

func TestCompletionRecordedWhenCancelledAfterWork(t *testing.T) {
	const interval = 500 * time.Millisecond
	l := New(Config{MaxConcurrent: 1, MinInterval: interval})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first, second time.Time
	err := l.Run(ctx, func(ctx context.Context) error {
		first = time.Now()
		cancel()
		return nil
	})
	require.NoError(t, err, "work that finished must not be reported as cancelled")

	err = l.Run(context.Background(), func(ctx context.Context) error {
		second = time.Now()
		return nil
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, second.Sub(first), interval)
	assert.Equal(t, 0, l.Status().CurrentCount)
}

func TestMinIntervalHoldsAcrossSlots(t *testing.T) {
	const interval = 100 * time.Millisecond
	l := New(Config{MaxConcurrent: 3, MinInterval: interval})

	var mu sync.Mutex
	var completions []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Run(context.Background(), func(ctx context.Context) error {
				time.Sleep(10 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
			mu.Lock()
			completions = append(completions, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(completions, func(i, j int) bool { return completions[i].Before(completions[j]) })
	for i := 1; i < len(completions); i++ {
		// Run returns just after the completion is stamped
		assert.GreaterOrEqual(t, completions[i].Sub(completions[i-1]), interval-5*time.Millisecond)
	}
}

func TestFIFOAdmission(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})

	hold := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Run(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		want := i + 1
		require.Eventually(t, func() bool { return l.Status().QueueLength == want }, time.Second, time.Millisecond)
	}

	close(hold)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCancelWhileQueued(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})

	hold := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	var ran atomic.Bool
	go func() {
		result <- l.Run(ctx, func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return l.Status().QueueLength == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)
	assert.False(t, ran.Load())
	assert.Equal(t, 0, l.Status().QueueLength)

	close(hold)
	<-done
	assert.Equal(t, 0, l.Status().CurrentCount)
}

func TestCancelledBeforeAdmission(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := l.Run(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestSlotReleasedOnFailure(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})
	boom := errors.New("boom")

	err := l.Run(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, l.Status().CurrentCount)

	assert.Panics(t, func() {
		_ = l.Run(context.Background(), func(ctx context.Context) error { panic("generator crashed") })
	})
	assert.Equal(t, 0, l.Status().CurrentCount)

	require.NoError(t, l.Run(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestRaisingConcurrencyAdmitsWaiters(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})

	hold := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	admitted := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(context.Background(), func(ctx context.Context) error {
			close(admitted)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return l.Status().QueueLength == 1 }, time.Second, time.Millisecond)

	l.SetMaxConcurrent(2)
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after raising the bound")
	}

	close(hold)
	wg.Wait()
}
