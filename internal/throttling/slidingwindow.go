package throttling

import (
	"context"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/apierror"
)

// Operation is one Notion API call.
type Operation func(ctx context.Context) error

type windowTask struct {
	ctx context.Context
	op  Operation
	res chan error
}

// SlidingWindow limits admissions against two trailing windows at once: a
// short burst window and a longer average window. A request is admitted only
// when both windows have room.
type SlidingWindow struct {
	log   logger.Logger
	stats stats.Stats

	burstLimit  int
	avgRate     int // requests per second sustained over the average window
	burstWindow time.Duration
	avgWindow   time.Duration
	maxSleep    time.Duration // responsiveness ceiling for a single wait

	defaultRetryAfter time.Duration
	maxTries          int

	mu         sync.Mutex
	timestamps []time.Time // admission times, oldest first

	tasks    chan *windowTask
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSlidingWindow builds a Notion-side limiter from Throttler.Notion.* config
// and starts its queue worker.
func NewSlidingWindow(conf *config.Config, log logger.Logger, stat stats.Stats) *SlidingWindow {
	w := &SlidingWindow{
		log:               log.Child("throttler").Child("notion"),
		stats:             stat,
		burstLimit:        conf.GetInt("Throttler.Notion.burstLimit", 5),
		avgRate:           conf.GetInt("Throttler.Notion.averageRate", 3),
		burstWindow:       conf.GetDuration("Throttler.Notion.burstWindow", 1, time.Second),
		avgWindow:         conf.GetDuration("Throttler.Notion.averageWindow", 60, time.Second),
		maxSleep:          conf.GetDuration("Throttler.Notion.maxSleep", 1, time.Second),
		defaultRetryAfter: conf.GetDuration("Throttler.Notion.defaultRetryAfter", 1, time.Second),
		maxTries:          conf.GetInt("Throttler.Notion.maxRetries", 5),
		tasks:             make(chan *windowTask, conf.GetInt("Throttler.Notion.queueSize", 64)),
		quit:              make(chan struct{}),
		now:               time.Now,
	}
	w.sleep = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.quit:
			return ErrShutdown
		case <-time.After(d):
			return nil
		}
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Do submits op and blocks until it has been admitted and executed, the
// context is cancelled, or the limiter shuts down. Operations are admitted in
// FIFO submission order.
func (w *SlidingWindow) Do(ctx context.Context, op Operation) error {
	task := &windowTask{ctx: ctx, op: op, res: make(chan error, 1)}
	select {
	case w.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrShutdown
	}
	select {
	case err := <-task.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the worker. Queued operations fail with ErrShutdown.
func (w *SlidingWindow) Shutdown() {
	w.stopOnce.Do(func() { close(w.quit) })
	w.wg.Wait()
}

func (w *SlidingWindow) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			w.drain()
			return
		case task := <-w.tasks:
			task.res <- w.run(task)
		}
	}
}

func (w *SlidingWindow) drain() {
	for {
		select {
		case task := <-w.tasks:
			task.res <- ErrShutdown
		default:
			return
		}
	}
}

func (w *SlidingWindow) run(task *windowTask) error {
	if err := task.ctx.Err(); err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		if attempt == 1 {
			if err := w.admit(task.ctx); err != nil {
				return err
			}
		}
		err := task.op(task.ctx)
		if err == nil || !isThrottled(err) {
			return err
		}
		// The server gave an authoritative signal, which trumps the local
		// window heuristic: wait the amount it asked for and go again.
		if attempt >= w.maxTries {
			return err
		}
		wait := w.defaultRetryAfter
		if ra, ok := apierror.RetryAfterOf(err); ok {
			wait = ra
		}
		w.stats.NewTaggedStat("throttler_retries", stats.CountType, stats.Tags{"api": "notion"}).Increment()
		w.log.Warnn("notion rate limit hit, honouring retry-after",
			logger.NewIntField("attempt", int64(attempt)),
			logger.NewDurationField("wait", wait),
		)
		if err := w.sleep(task.ctx, wait); err != nil {
			return err
		}
	}
}

// admit blocks until both windows have room, then records the admission.
// Waits are capped at maxSleep and re-checked rather than slept in one shot.
func (w *SlidingWindow) admit(ctx context.Context) error {
	for {
		wait, ok := w.tryAdmit()
		if ok {
			return nil
		}
		if wait > w.maxSleep {
			wait = w.maxSleep
		}
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAdmit prunes expired timestamps and either records a new admission
// (true) or returns how long until the oldest offending timestamp falls out
// of its window (false).
func (w *SlidingWindow) tryAdmit() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	avgCount := len(w.timestamps)
	burstStart := now.Add(-w.burstWindow)
	burstCount := 0
	for i := avgCount - 1; i >= 0; i-- {
		if w.timestamps[i].After(burstStart) {
			burstCount++
		} else {
			break
		}
	}

	var wait time.Duration
	if w.burstLimit > 0 && burstCount >= w.burstLimit {
		oldest := w.timestamps[avgCount-burstCount]
		wait = oldest.Add(w.burstWindow).Sub(now)
	}
	if avgLimit := int(float64(w.avgRate) * w.avgWindow.Seconds()); avgLimit > 0 && avgCount >= avgLimit {
		if d := w.timestamps[0].Add(w.avgWindow).Sub(now); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		return wait, false
	}

	w.timestamps = append(w.timestamps, now)
	return 0, true
}

// prune drops timestamps older than the average window. Callers must hold mu.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.avgWindow)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

func isThrottled(err error) bool {
	return apierror.Is(err, apierror.KindThrottled)
}
