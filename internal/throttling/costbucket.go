// Package throttling contains the two request schedulers used by the sync
// engine: a cost-based leaky bucket matching the Canvas API quota and a dual
// sliding window matching the Notion API rate limit. Each limiter funnels all
// operations through a single FIFO queue drained by one worker goroutine so
// that admission control is centralized.
package throttling

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
)

// ErrShutdown is returned for operations still queued when a limiter shuts down.
var ErrShutdown = errors.New("throttling: limiter shut down")

// Quota is the authoritative usage reported by Canvas response headers
// (X-Rate-Limit-Remaining, X-Request-Cost). Operations return it so the
// bucket can correct its own estimation drift.
type Quota struct {
	Remaining float64
	LastCost  float64
}

// CostedOperation is one Canvas API call. It reports the observed quota when
// the response carried usage headers, nil otherwise.
type CostedOperation func(ctx context.Context) (*Quota, error)

type costTask struct {
	ctx context.Context
	op  CostedOperation
	res chan error
}

// CostBucket is a leaky-bucket limiter for a cost-metered quota. The bucket
// level refills at a constant rate toward capacity; each admitted call is
// expected to drain it by a per-call cost that the bucket estimates with a
// moving average until the server tells it the real value.
type CostBucket struct {
	log   logger.Logger
	stats stats.Stats

	capacity  float64
	leakRate  float64 // quota units refilled per second
	highWater float64 // above this, calls are admitted without delay
	lowWater  float64 // below this, a fixed conservative delay applies
	safeDelay time.Duration

	retryBase time.Duration
	retryCap  time.Duration
	maxTries  int

	mu            sync.Mutex
	level         float64
	lastRefill    time.Time
	estimatedCost float64

	tasks    chan *costTask
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCostBucket builds a Canvas-side limiter from Throttler.Canvas.* config
// and starts its queue worker. The bucket starts full.
func NewCostBucket(conf *config.Config, log logger.Logger, stat stats.Stats) *CostBucket {
	capacity := conf.GetFloat64("Throttler.Canvas.capacity", 700)
	b := &CostBucket{
		log:           log.Child("throttler").Child("canvas"),
		stats:         stat,
		capacity:      capacity,
		leakRate:      conf.GetFloat64("Throttler.Canvas.leakRatePerSecond", 10),
		highWater:     conf.GetFloat64("Throttler.Canvas.highWater", capacity*0.5),
		lowWater:      conf.GetFloat64("Throttler.Canvas.lowWater", capacity*0.15),
		safeDelay:     conf.GetDuration("Throttler.Canvas.safeDelay", 1500, time.Millisecond),
		retryBase:     conf.GetDuration("Throttler.Canvas.retryBase", 1, time.Second),
		retryCap:      conf.GetDuration("Throttler.Canvas.retryCap", 30, time.Second),
		maxTries:      conf.GetInt("Throttler.Canvas.maxRetries", 5),
		level:         capacity,
		estimatedCost: conf.GetFloat64("Throttler.Canvas.seedCost", 15),
		tasks:         make(chan *costTask, conf.GetInt("Throttler.Canvas.queueSize", 64)),
		quit:          make(chan struct{}),
		now:           time.Now,
	}
	b.lastRefill = b.now()
	b.sleep = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.quit:
			return ErrShutdown
		case <-time.After(d):
			return nil
		}
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Do submits op and blocks until it has been admitted and executed, the
// context is cancelled, or the limiter shuts down. Operations are admitted in
// FIFO submission order.
func (b *CostBucket) Do(ctx context.Context, op CostedOperation) error {
	task := &costTask{ctx: ctx, op: op, res: make(chan error, 1)}
	select {
	case b.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.quit:
		return ErrShutdown
	}
	select {
	case err := <-task.res:
		return err
	case <-ctx.Done():
		// the worker still owns the task; its result is discarded
		return ctx.Err()
	}
}

// Shutdown stops the worker. Queued operations fail with ErrShutdown.
func (b *CostBucket) Shutdown() {
	b.stopOnce.Do(func() { close(b.quit) })
	b.wg.Wait()
}

// Level returns the current bucket level after refill, for observability.
func (b *CostBucket) Level() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.level
}

func (b *CostBucket) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.quit:
			b.drain()
			return
		case task := <-b.tasks:
			task.res <- b.run(task)
		}
	}
}

func (b *CostBucket) drain() {
	for {
		select {
		case task := <-b.tasks:
			task.res <- ErrShutdown
		default:
			return
		}
	}
}

func (b *CostBucket) run(task *costTask) error {
	if err := task.ctx.Err(); err != nil {
		return err
	}
	if err := b.sleep(task.ctx, b.admissionDelay()); err != nil {
		return err
	}
	return b.dispatch(task)
}

// admissionDelay applies the bucket policy: wait exactly long enough to refill
// the estimated cost when the bucket cannot cover it, nothing above the high
// water mark, a fixed conservative delay below the low water mark, and a
// linear ramp in between.
func (b *CostBucket) admissionDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()

	cost := b.estimatedCost
	switch {
	case b.level < cost:
		deficit := cost - b.level
		return time.Duration(deficit / b.leakRate * float64(time.Second))
	case b.level >= b.highWater:
		return 0
	case b.level <= b.lowWater:
		return b.safeDelay
	default:
		frac := (b.highWater - b.level) / (b.highWater - b.lowWater)
		return time.Duration(frac * float64(b.safeDelay))
	}
}

// dispatch runs the operation, retrying quota-exhausted failures with
// exponential backoff and symmetric jitter up to the retry ceiling. Any other
// error propagates immediately for the caller to classify.
func (b *CostBucket) dispatch(task *costTask) error {
	wait := b.retryBase
	for attempt := 1; ; attempt++ {
		quota, err := task.op(task.ctx)
		b.observe(quota)
		if err == nil {
			return nil
		}
		if !isThrottled(err) || attempt >= b.maxTries {
			return err
		}
		b.stats.NewTaggedStat("throttler_retries", stats.CountType, stats.Tags{"api": "canvas"}).Increment()
		b.log.Warnn("canvas rate limit hit, backing off",
			logger.NewIntField("attempt", int64(attempt)),
			logger.NewDurationField("wait", wait),
		)
		if err := b.sleep(task.ctx, jitter(wait)); err != nil {
			return err
		}
		if wait *= 2; wait > b.retryCap {
			wait = b.retryCap
		}
	}
}

// observe folds an authoritative quota reading into the bucket state, or
// deducts the estimated cost when the response carried no usage headers.
func (b *CostBucket) observe(quota *Quota) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if quota == nil {
		b.level = clamp(b.level-b.estimatedCost, 0, b.capacity)
		return
	}
	b.level = clamp(quota.Remaining, 0, b.capacity)
	if quota.LastCost > 0 {
		b.estimatedCost = 0.3*quota.LastCost + 0.7*b.estimatedCost
	}
}

// refill advances the bucket toward capacity. Callers must hold mu.
func (b *CostBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.level = clamp(b.level+elapsed*b.leakRate, 0, b.capacity)
	}
	b.lastRefill = now
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// jitter spreads a delay by ±20% to avoid synchronized retries.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
