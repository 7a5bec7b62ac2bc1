package loadgen

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config controls one load generation run against a live instance.
type Config struct {
	BaseURL     string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        int64
}

// Result aggregates outcomes across the whole run.
type Result struct {
	TotalRequests int
	Failures      int
	StatusClasses map[string]int
}

type target struct {
	method string
	path   string
	body   string
}

// Run fires requests at the configured profile until the duration elapses.
// The "auth" profile hammers the credential endpoints; "mixed" spreads
// traffic across health, introspection and login so both the rate-limit and
// the unauthorized paths see load.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.RPS < 1 || cfg.Concurrency < 1 || cfg.Duration <= 0 {
		return nil, fmt.Errorf("loadgen: rps, concurrency and duration must be positive")
	}

	targets := profileTargets(normalizeProfile(cfg.Profile))
	rng := rand.New(rand.NewSource(cfg.Seed))

	var mu sync.Mutex
	result := &Result{StatusClasses: map[string]int{}}
	picks := make(chan target)

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(cfg.RPS))
		defer ticker.Stop()
		defer close(picks)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				mu.Lock()
				t := targets[rng.Intn(len(targets))]
				mu.Unlock()
				select {
				case picks <- t:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	client := &http.Client{Timeout: 10 * time.Second}
	for range cfg.Concurrency {
		g.Go(func() error {
			for t := range picks {
				req, err := http.NewRequestWithContext(gctx, t.method, strings.TrimRight(cfg.BaseURL, "/")+t.path, bytes.NewReader([]byte(t.body)))
				if err != nil {
					return err
				}
				if t.body != "" {
					req.Header.Set("Content-Type", "application/json")
				}
				resp, err := client.Do(req)
				mu.Lock()
				result.TotalRequests++
				if err != nil {
					result.Failures++
				} else {
					result.StatusClasses[classifyStatusClass(resp.StatusCode)]++
					_ = resp.Body.Close()
				}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return result, err
	}
	return result, nil
}

func profileTargets(profile string) []target {
	login := target{method: http.MethodPost, path: "/api/v1/auth/login", body: `{"email":"loadgen@example.com","password":"not-a-real-password"}`}
	switch profile {
	case "auth":
		return []target{
			login,
			{method: http.MethodPost, path: "/api/v1/auth/refresh", body: `{"refresh_token":"invalid"}`},
		}
	default:
		return []target{
			{method: http.MethodGet, path: "/health/live"},
			{method: http.MethodGet, path: "/health/ready"},
			{method: http.MethodGet, path: "/api/v1/auth/me"},
			login,
		}
	}
}

func normalizeProfile(profile string) string {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if profile == "" {
		return "mixed"
	}
	return profile
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}
