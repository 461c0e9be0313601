package retries

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/krancour/abe/internal/logging"
	"github.com/pkg/errors"
)

var (
	jitterRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
	jitterRandMu sync.Mutex
)

// Policy describes how persistently an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts made before giving up.
	// Values below 1 are treated as 1.
	MaxAttempts uint8
	// MaxBackoff caps the pause between attempts. The pause doubles, starting
	// from one second, until it reaches this cap.
	MaxBackoff time.Duration
	// Logger receives a warning for every failed attempt that will be retried.
	// Defaults to a glog-backed logger.
	Logger logging.Logger
}

// Run calls fn until fn reports that a retry isn't warranted, the policy's
// attempts are exhausted, or ctx is canceled. fn returns whether a retry is
// warranted along with the error, if any, from the attempt.
func (p Policy) Run(
	ctx context.Context,
	process string,
	fn func() (bool, error),
) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Logger == nil {
		p.Logger = logging.New("retries")
	}
	for attempt := uint8(1); ; attempt++ {
		retry, err := fn()
		if !retry {
			return err
		}
		if attempt >= p.MaxAttempts {
			return errors.Wrapf(err, "failed %d attempt(s) to %s", attempt, process)
		}
		pause := p.backoff(attempt)
		p.Logger.Warningf(
			"attempt %d of %d to %s failed; will retry in %s: %s",
			attempt,
			p.MaxAttempts,
			process,
			pause,
			err,
		)
		timer := time.NewTimer(pause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// backoff returns the pause that follows the given failed attempt. It falls
// somewhere in the upper half of the capped exponential delay.
func (p Policy) backoff(attempt uint8) time.Duration {
	ceiling := p.MaxBackoff
	if attempt < 32 {
		if d := time.Second << attempt; d < ceiling {
			ceiling = d
		}
	}
	jitterRandMu.Lock()
	jitter := jitterRand.Float64()
	jitterRandMu.Unlock()
	return ceiling/2 + time.Duration(jitter*float64(ceiling/2))
}
