package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReadyAggregatesCheckers(t *testing.T) {
	healthy := CheckerFunc(func(context.Context) CheckResult {
		return CheckResult{Name: "db", Healthy: true}
	})
	broken := CheckerFunc(func(context.Context) CheckResult {
		return CheckResult{Name: "redis", Healthy: false, Error: "connection refused"}
	})

	runner := NewProbeRunner(time.Second, 0, healthy, broken)
	ready, results := runner.Ready(context.Background())
	if ready {
		t.Fatal("one broken dependency must report unready")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[1].Name != "redis" || results[1].Error == "" {
		t.Fatalf("broken check must carry its error: %+v", results[1])
	}

	allGood := NewProbeRunner(time.Second, 0, healthy)
	if ready, _ := allGood.Ready(context.Background()); !ready {
		t.Fatal("all-healthy runner must report ready")
	}
}

func TestReadyCachesWithinTTL(t *testing.T) {
	calls := 0
	counted := CheckerFunc(func(context.Context) CheckResult {
		calls++
		return CheckResult{Name: "db", Healthy: true}
	})

	runner := NewProbeRunner(time.Second, time.Minute, counted)
	runner.Ready(context.Background())
	runner.Ready(context.Background())
	runner.Ready(context.Background())
	if calls != 1 {
		t.Fatalf("cached window must probe once, got %d probes", calls)
	}

	uncached := NewProbeRunner(time.Second, 0, counted)
	calls = 0
	uncached.Ready(context.Background())
	uncached.Ready(context.Background())
	if calls != 2 {
		t.Fatalf("zero TTL must probe every time, got %d probes", calls)
	}
}

func TestCheckerHonorsProbeTimeout(t *testing.T) {
	slow := CheckerFunc(func(ctx context.Context) CheckResult {
		select {
		case <-ctx.Done():
			return CheckResult{Name: "slow", Healthy: false, Error: ctx.Err().Error()}
		case <-time.After(time.Second):
			return CheckResult{Name: "slow", Healthy: true}
		}
	})

	runner := NewProbeRunner(5*time.Millisecond, 0, slow)
	ready, results := runner.Ready(context.Background())
	if ready {
		t.Fatal("a probe that outruns its timeout must read unhealthy")
	}
	if results[0].Error == "" {
		t.Fatal("timeout must surface in the result")
	}
}

func TestRedisChecker(t *testing.T) {
	ok := RedisChecker("redis", func(context.Context) error { return nil })
	if res := ok.Check(context.Background()); !res.Healthy || res.Name != "redis" {
		t.Fatalf("unexpected result: %+v", res)
	}

	down := RedisChecker("redis", func(context.Context) error { return errors.New("down") })
	if res := down.Check(context.Background()); res.Healthy || res.Error != "down" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
