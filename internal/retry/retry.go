// Package retry runs sink write operations with per-error-kind retry policies.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/apierror"
)

// Policy holds the retry ceilings and backoff schedules for each retryable
// error kind. Conflicts (409) are expected under concurrent writes and get a
// short exponential schedule; throttling honours the server-provided
// Retry-After when present; 5xx get a small fixed number of evenly spaced
// attempts. Every other kind is permanent.
type Policy struct {
	log logger.Logger

	conflictBase     time.Duration
	conflictCap      time.Duration
	conflictAttempts int

	throttledBase     time.Duration
	throttledCap      time.Duration
	throttledAttempts int

	transientDelay    time.Duration
	transientAttempts int
}

// NewPolicy reads the retry configuration under Retry.* from conf.
func NewPolicy(conf *config.Config, log logger.Logger) *Policy {
	return &Policy{
		log:               log.Child("retry"),
		conflictBase:      conf.GetDuration("Retry.conflict.base", 200, time.Millisecond),
		conflictCap:       conf.GetDuration("Retry.conflict.cap", 2, time.Second),
		conflictAttempts:  conf.GetInt("Retry.conflict.attempts", 5),
		throttledBase:     conf.GetDuration("Retry.throttled.base", 1, time.Second),
		throttledCap:      conf.GetDuration("Retry.throttled.cap", 30, time.Second),
		throttledAttempts: conf.GetInt("Retry.throttled.attempts", 5),
		transientDelay:    conf.GetDuration("Retry.transient.delay", 500, time.Millisecond),
		transientAttempts: conf.GetInt("Retry.transient.attempts", 3),
	}
}

// Do runs op until it succeeds, exhausts the retry budget of the error kind it
// keeps failing with, or fails with a non-retryable kind. The context cancels
// any pending backoff wait.
func (p *Policy) Do(ctx context.Context, name string, op func() error) error {
	conflictBO := p.exponential(p.conflictBase, p.conflictCap)
	throttledBO := p.exponential(p.throttledBase, p.throttledCap)

	var conflicts, throttles, transients int
	for {
		err := op()
		if err == nil {
			return nil
		}

		var wait time.Duration
		switch kind := apierror.KindOf(err); kind {
		case apierror.KindConflict:
			conflicts++
			if conflicts >= p.conflictAttempts {
				return fmt.Errorf("%s: conflict retries exhausted after %d attempts: %w", name, conflicts, err)
			}
			wait = conflictBO.NextBackOff()
		case apierror.KindThrottled:
			throttles++
			if throttles >= p.throttledAttempts {
				return fmt.Errorf("%s: throttled retries exhausted after %d attempts: %w", name, throttles, err)
			}
			if ra, ok := apierror.RetryAfterOf(err); ok {
				wait = ra
			} else {
				wait = throttledBO.NextBackOff()
			}
		case apierror.KindTransientServer:
			transients++
			if transients >= p.transientAttempts {
				return fmt.Errorf("%s: transient retries exhausted after %d attempts: %w", name, transients, err)
			}
			wait = time.Duration(transients) * p.transientDelay
		default:
			return fmt.Errorf("%s: %w", name, err)
		}

		p.log.Debugn("retrying operation",
			logger.NewStringField("op", name),
			logger.NewDurationField("wait", wait),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (p *Policy) exponential(base, cap time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.MaxInterval = cap
	bo.MaxElapsedTime = 0 // attempts are bounded by the caller, not elapsed time
	bo.Reset()
	return bo
}
