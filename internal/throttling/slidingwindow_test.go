package throttling

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/apierror"
)

func newTestWindow(t *testing.T, set map[string]any) *SlidingWindow {
	t.Helper()
	conf := config.New()
	conf.Set("Throttler.Notion.maxSleep", "5ms")
	conf.Set("Throttler.Notion.defaultRetryAfter", "1ms")
	for k, v := range set {
		conf.Set(k, v)
	}
	w := NewSlidingWindow(conf, logger.NOP, stats.NOP)
	t.Cleanup(w.Shutdown)
	return w
}

func TestSlidingWindowBurstBound(t *testing.T) {
	burstWindow := 50 * time.Millisecond
	w := newTestWindow(t, map[string]any{
		"Throttler.Notion.burstLimit":    3,
		"Throttler.Notion.burstWindow":   "50ms",
		"Throttler.Notion.averageRate":   100,
		"Throttler.Notion.averageWindow": "1s",
	})

	var mu sync.Mutex
	var admissions []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, w.Do(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				admissions = append(admissions, time.Now())
				mu.Unlock()
				return nil
			}))
		}()
	}
	wg.Wait()

	sort.Slice(admissions, func(i, j int) bool { return admissions[i].Before(admissions[j]) })
	require.Len(t, admissions, 10)
	// within any trailing burst window no more than burstLimit admissions
	for i := 3; i < len(admissions); i++ {
		require.GreaterOrEqual(t, admissions[i].Sub(admissions[i-3]), burstWindow-5*time.Millisecond,
			"4 admissions within one burst window")
	}
}

func TestSlidingWindowAverageBound(t *testing.T) {
	w := newTestWindow(t, map[string]any{
		"Throttler.Notion.burstLimit":    100,
		"Throttler.Notion.burstWindow":   "10ms",
		"Throttler.Notion.averageRate":   2,
		"Throttler.Notion.averageWindow": "1s",
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Do(context.Background(), func(ctx context.Context) error { return nil }))
	}
	// the third admission must wait for the first to leave the 1s window
	require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestSlidingWindowPrune(t *testing.T) {
	w := newTestWindow(t, map[string]any{
		"Throttler.Notion.averageWindow": "10ms",
	})
	w.mu.Lock()
	w.timestamps = []time.Time{
		time.Now().Add(-time.Minute),
		time.Now().Add(-time.Second),
		time.Now(),
	}
	w.mu.Unlock()

	_, ok := w.tryAdmit()
	require.True(t, ok)
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.timestamps, 2) // stale entries pruned, fresh one plus the admission
}

func TestSlidingWindowRetryAfter(t *testing.T) {
	w := newTestWindow(t, nil)

	t.Run("server signal bypasses the heuristic", func(t *testing.T) {
		h := http.Header{"Retry-After": []string{"0.02"}}
		attempts := 0
		start := time.Now()
		err := w.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			if attempts == 1 {
				return apierror.Classify(http.StatusTooManyRequests, nil, h)
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 2, attempts)
		require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("exhaustion surfaces the throttled error", func(t *testing.T) {
		attempts := 0
		err := w.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return apierror.Classify(http.StatusTooManyRequests, nil, nil)
		})
		require.Error(t, err)
		require.True(t, apierror.Is(err, apierror.KindThrottled))
		require.Equal(t, 5, attempts)
	})
}

func TestSlidingWindowContextCancel(t *testing.T) {
	w := newTestWindow(t, map[string]any{
		"Throttler.Notion.burstLimit":    1,
		"Throttler.Notion.burstWindow":   "10s",
		"Throttler.Notion.averageRate":   1,
		"Throttler.Notion.averageWindow": "10s",
	})
	require.NoError(t, w.Do(context.Background(), func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Do(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
