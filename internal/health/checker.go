// Package health serves liveness and readiness checks.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker reports whether a dependency can serve requests.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker pings the backing store. Readiness results are cached for
// cacheTTL so frequent checks do not each reach the store.
type Checker struct {
	store    ReadinessChecker
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

func NewChecker(store ReadinessChecker) *Checker {
	return &Checker{
		store:    store,
		timeout:  2 * time.Second,
		cacheTTL: time.Second,
		now:      time.Now,
	}
}

// Liveness never touches the store.
func (c *Checker) Liveness(context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness checks the store unless the service is shutting down.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && c.now().Sub(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	check := c.checkStore(ctx)
	resp := &Response{
		Status: check.Status,
		Checks: map[string]CheckResult{"store": check},
	}

	c.mu.Lock()
	if !c.shuttingDown {
		c.cachedReady = resp
		c.lastCheck = c.now()
	}
	c.mu.Unlock()
	return resp
}

func (c *Checker) checkStore(ctx context.Context) CheckResult {
	if c.store == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "store not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown fails readiness from now on so load balancers stop
// routing new requests here.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
