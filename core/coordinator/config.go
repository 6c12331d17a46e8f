package coordinator

import (
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/dualq/dualq/internal/clock"
)

// Config controls coordinator behavior.
type Config struct {
	// PrepareTimeout bounds each participant's prepare call. A participant
	// that does not answer in time votes NO. Commit and abort calls are not
	// bounded by this; once the outcome is logged, giving up is not an
	// option and the coordinator retries with backoff instead.
	PrepareTimeout time.Duration

	// Retry policy for commit/abort redriving.
	InitialBackoff    time.Duration // base backoff (e.g., 100ms)
	MaxBackoff        time.Duration // cap for backoff
	BackoffJitterFrac float64       // e.g., 0.2 => ±20% jitter

	// Admission control for Submit/Execute.
	SubmitRate  rate.Limit
	SubmitBurst int

	// Clock supplies record timestamps.
	Clock clock.Clock
}

// setDefaults applies sensible defaults when fields are zero.
func (c *Config) setDefaults() {
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = 5 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
	if c.SubmitRate <= 0 {
		c.SubmitRate = rate.Inf
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 64
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
}

// nextBackoff doubles the current backoff up to max, with ±jitterFrac jitter.
func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := time.Duration(float64(cur) * 2)
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac // 1±frac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}
