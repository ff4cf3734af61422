package transport

import (
	"math"
	"math/rand"
	"time"
)

// reconnector tracks reconnect attempts and computes the jittered
// exponential backoff delay between them.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(baseDelay, maxDelay time.Duration, maxAttempts int) *reconnector {
	return &reconnector{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
	}
}

// shouldReconnect reports whether another attempt is allowed under the
// configured ceiling. A ceiling of zero means unlimited attempts.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// markConnected records a successful connection. A connection that
// stays up for over a minute resets the attempt counter on the next
// failure.
func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns the delay before the next attempt and advances the
// attempt counter. A connection that stayed up for over a minute earns
// one reset of the counter; the reset is consumed here so that a long
// outage after a stable connection still walks the full backoff curve
// up to the attempt ceiling.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
