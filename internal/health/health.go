package health

import (
	"context"
	"sync"
	"time"
)

// CheckResult is one dependency probe outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Checker probes one dependency.
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) CheckResult

func (f CheckerFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

// ProbeRunner runs the registered checkers with a per-probe timeout and
// caches the combined result briefly so a readiness-probe storm cannot
// hammer the dependencies.
type ProbeRunner struct {
	timeout  time.Duration
	cacheTTL time.Duration
	checkers []Checker

	mu       sync.Mutex
	cachedAt time.Time
	ready    bool
	results  []CheckResult
}

func NewProbeRunner(timeout, cacheTTL time.Duration, checkers ...Checker) *ProbeRunner {
	return &ProbeRunner{timeout: timeout, cacheTTL: cacheTTL, checkers: checkers}
}

// Ready reports whether every dependency is healthy, with per-check detail.
func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cacheTTL > 0 && time.Since(p.cachedAt) < p.cacheTTL {
		return p.ready, p.results
	}

	ready := true
	results := make([]CheckResult, 0, len(p.checkers))
	for _, checker := range p.checkers {
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		result := checker.Check(probeCtx)
		cancel()
		if !result.Healthy {
			ready = false
		}
		results = append(results, result)
	}

	p.cachedAt = time.Now()
	p.ready = ready
	p.results = results
	return ready, results
}

// RedisChecker wraps a ping function as a named checker.
func RedisChecker(name string, ping func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Name: name, Healthy: false, Error: err.Error()}
		}
		return CheckResult{Name: name, Healthy: true}
	})
}
