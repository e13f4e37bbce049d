package resilience

import (
	"sync"
	"time"

	"github.com/Agions/xfyun-sdk/pkg/errorsx"
)

// CodeQuotaExceeded is the service code for an exhausted daily call quota.
const CodeQuotaExceeded errorsx.Code = 11201

// IsQuotaExceeded reports whether err is a quota rejection from the service.
func IsQuotaExceeded(err error) bool {
	return errorsx.CodeOf(err) == CodeQuotaExceeded
}

// CircuitBreaker blocks restarts after repeated quota rejections.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if !IsQuotaExceeded(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.openUntil = c.now().Add(c.cooldown)
	}
}
