package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/docg1701/iam-dashboard/internal/config"
)

type AppMetrics struct {
	authLoginCounter       metric.Int64Counter
	tokenValidationCounter metric.Int64Counter
	tokenRevocationCounter metric.Int64Counter
	twoFactorCounter       metric.Int64Counter
	lockoutCounter         metric.Int64Counter
	rateLimitCounter       metric.Int64Counter
	retryAfterHistogram    metric.Int64Histogram
	repositoryOpCounter    metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("iam-dashboard")
	loginCounter, err := meter.Int64Counter("auth.login.attempts")
	if err != nil {
		return nil, err
	}
	validationCounter, err := meter.Int64Counter("auth.token.validations")
	if err != nil {
		return nil, err
	}
	revocationCounter, err := meter.Int64Counter("auth.token.revocations")
	if err != nil {
		return nil, err
	}
	twoFactorCounter, err := meter.Int64Counter("auth.twofactor.changes")
	if err != nil {
		return nil, err
	}
	lockoutCounter, err := meter.Int64Counter("auth.account.lockouts")
	if err != nil {
		return nil, err
	}
	rateLimitCounter, err := meter.Int64Counter("ratelimit.decisions")
	if err != nil {
		return nil, err
	}
	retryAfterHistogram, err := meter.Int64Histogram("ratelimit.retry_after_seconds")
	if err != nil {
		return nil, err
	}
	repositoryOpCounter, err := meter.Int64Counter("repository.operations")
	if err != nil {
		return nil, err
	}

	metricsMu.Lock()
	appMetrics = &AppMetrics{
		authLoginCounter:       loginCounter,
		tokenValidationCounter: validationCounter,
		tokenRevocationCounter: revocationCounter,
		twoFactorCounter:       twoFactorCounter,
		lockoutCounter:         lockoutCounter,
		rateLimitCounter:       rateLimitCounter,
		retryAfterHistogram:    retryAfterHistogram,
		repositoryOpCounter:    repositoryOpCounter,
	}
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

// RecordAuthLogin counts one login attempt by terminal status, e.g.
// "success", "bad_password", "locked", "2fa_missing".
func RecordAuthLogin(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.authLoginCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordAccessTokenValidation counts one middleware token check by outcome
// and where the token came from (bearer, cookie, none).
func RecordAccessTokenValidation(ctx context.Context, status, source string) {
	m := current()
	if m == nil {
		return
	}
	m.tokenValidationCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("source", source),
		),
	)
}

// RecordTokenRevocation counts a blacklist insertion by reason.
func RecordTokenRevocation(ctx context.Context, reason string) {
	m := current()
	if m == nil {
		return
	}
	m.tokenRevocationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTwoFactorChange counts enable/disable transitions.
func RecordTwoFactorChange(ctx context.Context, action string) {
	m := current()
	if m == nil {
		return
	}
	m.twoFactorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordAccountLockout counts one lockout activation.
func RecordAccountLockout(ctx context.Context) {
	m := current()
	if m == nil {
		return
	}
	m.lockoutCounter.Add(ctx, 1)
}

// RecordRateLimitDecision counts one admission decision.
func RecordRateLimitDecision(ctx context.Context, scope, decision, mode, keyType string) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("decision", decision),
			attribute.String("mode", mode),
			attribute.String("key_type", keyType),
		),
	)
}

// RecordRateLimitRetryAfter samples the advertised backoff on rejections.
func RecordRateLimitRetryAfter(ctx context.Context, scope string, seconds int64) {
	m := current()
	if m == nil {
		return
	}
	m.retryAfterHistogram.Record(ctx, seconds, metric.WithAttributes(attribute.String("scope", scope)))
}

// RecordRepositoryOperation counts one credential-store operation by entity,
// operation and outcome.
func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.repositoryOpCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("operation", operation),
			attribute.String("outcome", outcome),
		),
	)
}
