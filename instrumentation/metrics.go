package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the credential core.
type Metrics struct {
	// OAuth flow
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter

	// Rate limiting and quota
	RateLimitDenied    metric.Int64Counter
	QuotaUnitsRecorded metric.Int64Counter
	QuotaThreshold     metric.Int64Counter

	// API keys
	KeyValidations metric.Int64Counter

	// Provider calls
	ProviderCalls        metric.Int64Counter
	ProviderCallDuration metric.Float64Histogram
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	meter := inst.Meter("core")

	var err error
	m.AuthorizationStarted, err = meter.Int64Counter(
		"credcore.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create authorization.started counter: %w", err)
	}

	m.CallbackProcessed, err = meter.Int64Counter(
		"credcore.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create callback.processed counter: %w", err)
	}

	m.TokenRefreshed, err = meter.Int64Counter(
		"credcore.token.refreshed",
		metric.WithDescription("Number of access token refreshes"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = meter.Int64Counter(
		"credcore.token.revoked",
		metric.WithDescription("Number of token revocations"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token.revoked counter: %w", err)
	}

	m.RateLimitDenied, err = meter.Int64Counter(
		"credcore.rate_limit.denied",
		metric.WithDescription("Number of requests denied by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rate_limit.denied counter: %w", err)
	}

	m.QuotaUnitsRecorded, err = meter.Int64Counter(
		"credcore.quota.units_recorded",
		metric.WithDescription("Metered API units recorded against daily quotas"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create quota.units_recorded counter: %w", err)
	}

	m.QuotaThreshold, err = meter.Int64Counter(
		"credcore.quota.threshold_crossed",
		metric.WithDescription("Quota warning/critical threshold crossings"),
		metric.WithUnit("{crossing}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create quota.threshold_crossed counter: %w", err)
	}

	m.KeyValidations, err = meter.Int64Counter(
		"credcore.apikey.validations",
		metric.WithDescription("API key validation attempts"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create apikey.validations counter: %w", err)
	}

	m.ProviderCalls, err = meter.Int64Counter(
		"credcore.provider.calls",
		metric.WithDescription("Provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create provider.calls counter: %w", err)
	}

	m.ProviderCallDuration, err = meter.Float64Histogram(
		"credcore.provider.call_duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create provider.call_duration histogram: %w", err)
	}

	return m, nil
}

// RecordAuthorizationStarted records the start of an authorization flow.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1)
}

// RecordCallbackProcessed records a processed provider callback.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordTokenRefresh records a refresh attempt and its outcome.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordTokenRevoked records a revocation.
func (m *Metrics) RecordTokenRevoked(ctx context.Context, providerNotified bool) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("provider_notified", providerNotified),
	))
}

// RecordRateLimitDenied records a rate limit denial on a surface.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, surface string) {
	if m == nil {
		return
	}
	m.RateLimitDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("surface", surface),
	))
}

// RecordQuotaUnits records metered units charged against a user's quota.
func (m *Metrics) RecordQuotaUnits(ctx context.Context, units int64, category string) {
	if m == nil {
		return
	}
	m.QuotaUnitsRecorded.Add(ctx, units, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// RecordQuotaThreshold records a warning/critical threshold crossing.
func (m *Metrics) RecordQuotaThreshold(ctx context.Context, level string) {
	if m == nil {
		return
	}
	m.QuotaThreshold.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
	))
}

// RecordKeyValidation records an API key validation attempt.
func (m *Metrics) RecordKeyValidation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.KeyValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordProviderCall records one provider API call.
func (m *Metrics) RecordProviderCall(ctx context.Context, operation string, durationMs float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProviderCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.ProviderCallDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
