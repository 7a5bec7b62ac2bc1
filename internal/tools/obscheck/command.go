package obscheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/docg1701/iam-dashboard/internal/tools/common"
	"github.com/docg1701/iam-dashboard/internal/tools/loadgen"
)

// options carries the shared flags of every obscheck subcommand. All queries
// go through Grafana's datasource proxy so one credential covers Mimir,
// Tempo and Loki.
type options struct {
	grafanaURL      string
	grafanaUser     string
	grafanaPassword string
	serviceName     string
	window          time.Duration
	ci              bool
	baseURL         string
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{Use: "obscheck", Short: "Verify metrics, traces and logs correlation"}
	cmd.PersistentFlags().StringVar(&opts.grafanaURL, "grafana-url", "http://localhost:3000", "Grafana base URL")
	cmd.PersistentFlags().StringVar(&opts.grafanaUser, "grafana-user", "admin", "Grafana username")
	cmd.PersistentFlags().StringVar(&opts.grafanaPassword, "grafana-password", "admin", "Grafana password")
	cmd.PersistentFlags().StringVar(&opts.serviceName, "service-name", "iam-dashboard", "OTel service name")
	cmd.PersistentFlags().DurationVar(&opts.window, "window", 20*time.Minute, "query lookback window")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "API base URL for traffic")
	cmd.AddCommand(newRunCommand(opts))
	return cmd
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Generate traffic and validate exemplar->trace->log path",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Minute)
			defer cancel()

			details, err := verifyPipeline(ctx, *opts)
			if opts.ci {
				common.PrintCIResult(err == nil, "obscheck run", details, err)
			} else {
				for _, d := range details {
					fmt.Println(d)
				}
				if err != nil {
					fmt.Fprintln(os.Stderr, "obscheck run failed:", err)
				}
			}
			if err != nil {
				os.Exit(4)
			}
			return nil
		},
	}
}

// verifyPipeline drives load at the API, then walks one request end to end:
// an exemplar on the server latency histogram names a trace id, Tempo must
// hold that trace, and Loki must hold at least one log line carrying it.
func verifyPipeline(ctx context.Context, opts options) ([]string, error) {
	summary, err := loadgen.Run(ctx, loadgen.Config{
		BaseURL:     opts.baseURL,
		Profile:     "mixed",
		Duration:    6 * time.Second,
		RPS:         20,
		Concurrency: 6,
		Seed:        42,
	})
	if err != nil {
		return nil, err
	}
	details := []string{fmt.Sprintf("traffic generated total=%d failures=%d", summary.TotalRequests, summary.Failures)}

	// Exporters batch; give the pipeline a beat before querying.
	notBefore := time.Now().Add(-2 * time.Minute)
	time.Sleep(8 * time.Second)

	probe := grafanaProxy{opts: opts, client: &http.Client{Timeout: 20 * time.Second}}

	traceID, err := probe.latestExemplarTrace(ctx, notBefore)
	if err != nil {
		return details, err
	}
	details = append(details, "exemplar trace_id="+traceID)

	if err := probe.traceExists(ctx, traceID); err != nil {
		return details, err
	}
	details = append(details, "tempo trace lookup: ok")

	if err := probe.logsCarryTrace(ctx, traceID); err != nil {
		return details, err
	}
	details = append(details, "loki trace correlation: ok")
	return details, nil
}

type grafanaProxy struct {
	opts   options
	client *http.Client
}

func (p grafanaProxy) get(ctx context.Context, path string, out any) error {
	base, err := url.Parse(p.opts.grafanaURL)
	if err != nil {
		return err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.ResolveReference(rel).String(), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.opts.grafanaUser, p.opts.grafanaPassword)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("grafana request failed: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// latestExemplarTrace picks the newest exemplar on the HTTP latency histogram
// that both postdates notBefore and carries a well-formed 32-hex trace id.
func (p grafanaProxy) latestExemplarTrace(ctx context.Context, notBefore time.Time) (string, error) {
	start := time.Now().Add(-p.opts.window).Unix()
	end := time.Now().Unix()
	path := fmt.Sprintf("/api/datasources/proxy/uid/mimir/api/v1/query_exemplars?query=http_server_request_duration_seconds_bucket&start=%d&end=%d", start, end)

	var payload struct {
		Data []struct {
			Exemplars []struct {
				Labels    map[string]string `json:"labels"`
				Timestamp float64           `json:"timestamp"`
			} `json:"exemplars"`
		} `json:"data"`
	}
	if err := p.get(ctx, path, &payload); err != nil {
		return "", err
	}

	var newestID string
	var newestTS float64
	for _, series := range payload.Data {
		for _, ex := range series.Exemplars {
			if ex.Timestamp <= 0 || int64(ex.Timestamp) < notBefore.Unix() {
				continue
			}
			if id := ex.Labels["trace_id"]; len(id) == 32 && ex.Timestamp > newestTS {
				newestTS = ex.Timestamp
				newestID = id
			}
		}
	}
	if newestID == "" {
		return "", fmt.Errorf("no recent trace_id exemplar found")
	}
	return newestID, nil
}

// traceExists polls Tempo until the trace shows up with at least one span
// batch. Tempo ingestion lags the exemplar by a few seconds.
func (p grafanaProxy) traceExists(ctx context.Context, traceID string) error {
	path := fmt.Sprintf("/api/datasources/proxy/uid/tempo/api/traces/%s", traceID)
	lastErr := fmt.Errorf("tempo trace lookup failed")
	for attempt := 0; attempt < 5; attempt++ {
		var payload struct {
			Batches []json.RawMessage `json:"batches"`
		}
		err := p.get(ctx, path, &payload)
		if err == nil && len(payload.Batches) > 0 {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("tempo trace has no batches yet")
		}
		time.Sleep(2 * time.Second)
	}
	return lastErr
}

// logsCarryTrace confirms Loki holds a log line for the trace. The scoped
// query runs first; the any-service fallback covers renamed deployments.
func (p grafanaProxy) logsCarryTrace(ctx context.Context, traceID string) error {
	endNS := time.Now().UnixNano()
	startNS := endNS - int64(30*time.Minute)
	queries := []string{
		fmt.Sprintf("{service_name=%q} | json | trace_id=%q", p.opts.serviceName, traceID),
		fmt.Sprintf("{service_name=~\".+\"} | json | trace_id=%q", traceID),
	}
	for _, raw := range queries {
		path := fmt.Sprintf("/api/datasources/proxy/uid/loki/loki/api/v1/query_range?query=%s&start=%d&end=%d&limit=1&direction=backward",
			url.QueryEscape(raw), startNS, endNS)
		var payload struct {
			Data struct {
				Result []json.RawMessage `json:"result"`
			} `json:"data"`
		}
		if err := p.get(ctx, path, &payload); err != nil {
			return err
		}
		if len(payload.Data.Result) > 0 {
			return nil
		}
	}
	return fmt.Errorf("no correlated loki logs found for trace_id %s", traceID)
}
