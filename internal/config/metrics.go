package config

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config loads happen before the metric pipeline is wired, so the counter is
// resolved lazily from the global meter on first use and dropped silently if
// the meter cannot supply one.
var validationEvents = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("iam-dashboard").Int64Counter("config.validation.events")
	if err != nil {
		return nil
	}
	return counter
})

func recordConfigValidationEvent(ctx context.Context, profile, outcome, errorClass string) {
	counter := validationEvents()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", normalizeConfigProfile(profile)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", errorClass),
	))
}

// normalizeConfigProfile folds the environment name to a stable lowercase
// label so "ProD" and "prod" do not split the metric series.
func normalizeConfigProfile(profile string) string {
	if folded := strings.ToLower(strings.TrimSpace(profile)); folded != "" {
		return folded
	}
	return "unknown"
}

// classifyConfigLoadError buckets a startup failure into a coarse class for
// the error_class attribute. Matching is on message fragments because load
// errors cross package boundaries as wrapped strings.
func classifyConfigLoadError(err error) string {
	if err == nil {
		return "none"
	}
	message := strings.ToLower(err.Error())
	for fragment, class := range map[string]string{
		"validate config:": "validation",
		"parse ":           "parse",
	} {
		if strings.Contains(message, fragment) {
			return class
		}
	}
	return "load"
}
