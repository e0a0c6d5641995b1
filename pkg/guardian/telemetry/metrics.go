// Package telemetry exposes guardian metrics through Prometheus and,
// optionally, OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"golang.org/x/time/rate"

	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// MetricsConfig contains configuration for the metrics system
type MetricsConfig struct {
	// Prometheus configuration
	PrometheusEnabled   bool   `mapstructure:"prometheus_enabled"`
	PrometheusEndpoint  string `mapstructure:"prometheus_endpoint"`
	PrometheusNamespace string `mapstructure:"prometheus_namespace"`

	// OpenTelemetry configuration
	OTelEnabled  bool   `mapstructure:"otel_enabled"`
	OTelEndpoint string `mapstructure:"otel_endpoint"`
	OTelInsecure bool   `mapstructure:"otel_insecure"`

	// Requests per minute on the metrics endpoint
	RateLimit int `mapstructure:"rate_limit"`

	// Log every scrape
	EnableAudit bool `mapstructure:"enable_audit"`
}

// DefaultConfig returns a default configuration for the telemetry system
func DefaultConfig() MetricsConfig {
	return MetricsConfig{
		PrometheusEnabled:   true,
		PrometheusEndpoint:  ":9090",
		PrometheusNamespace: "guardian",
		OTelEnabled:         false,
		OTelEndpoint:        "localhost:4317",
		OTelInsecure:        false,
		RateLimit:           60,
		EnableAudit:         false,
	}
}

// Manager records controller events as metrics. It implements
// escalation.Observer.
type Manager struct {
	mu                 sync.Mutex
	config             MetricsConfig
	prometheusRegistry *prometheus.Registry
	otelMeterProvider  *sdkmetric.MeterProvider
	server             *http.Server

	threatLevel    prometheus.Gauge
	systemState    prometheus.Gauge
	emergencyMode  prometheus.Gauge
	signals        *prometheus.CounterVec
	escalations    prometheus.Counter
	transitions    *prometheus.CounterVec
	phaseFailures  *prometheus.CounterVec
	phaseDurations *prometheus.HistogramVec

	otelSignals        metric.Int64Counter
	otelPhaseFailures  metric.Int64Counter
	otelPhaseDurations metric.Float64Histogram
}

// NewManager creates a telemetry manager with the given configuration
func NewManager(config MetricsConfig) (*Manager, error) {
	tm := &Manager{config: config}

	if config.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		tm.prometheusRegistry = reg

		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		factory := promauto.With(reg)
		ns := config.PrometheusNamespace

		tm.threatLevel = factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "threat_level",
			Help:      "Current threat level (0=NORMAL .. 3=ABSOLUTE_ZERO)",
		})
		tm.systemState = factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "system_state",
			Help:      "Current system state (0=OPERATIONAL .. 5=RECOVERY)",
		})
		tm.emergencyMode = factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "emergency_mode",
			Help:      "Indicates if emergency mode is active (1) or not (0)",
		})
		tm.signals = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "signals_total",
			Help:      "Total number of accepted threat signals",
		}, []string{"type", "severity"})
		tm.escalations = factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "escalations_total",
			Help:      "Total number of threat level escalations",
		})
		tm.transitions = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "state_transitions_total",
			Help:      "Total number of state transitions by target state",
		}, []string{"state"})
		tm.phaseFailures = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "phase",
			Name:      "failures_total",
			Help:      "Total number of failed response phases",
		}, []string{"sequence", "phase"})
		tm.phaseDurations = factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "phase",
			Name:      "duration_seconds",
			Help:      "Response phase duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sequence"})
	}

	if config.OTelEnabled {
		if err := tm.initOTel(context.Background()); err != nil {
			return nil, err
		}
	}

	return tm, nil
}

func (tm *Manager) initOTel(ctx context.Context) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(tm.config.OTelEndpoint)}
	if tm.config.OTelInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(tm.config.PrometheusNamespace),
			semconv.ServiceVersion("v1.0.0"),
			attribute.String("component", "escalation-controller"),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
	)
	otel.SetMeterProvider(provider)
	tm.otelMeterProvider = provider

	meter := provider.Meter(tm.config.PrometheusNamespace)
	if tm.otelSignals, err = meter.Int64Counter("guardian.signals",
		metric.WithDescription("Accepted threat signals")); err != nil {
		return fmt.Errorf("failed to create signal counter: %w", err)
	}
	if tm.otelPhaseFailures, err = meter.Int64Counter("guardian.phase.failures",
		metric.WithDescription("Failed response phases")); err != nil {
		return fmt.Errorf("failed to create phase failure counter: %w", err)
	}
	if tm.otelPhaseDurations, err = meter.Float64Histogram("guardian.phase.duration",
		metric.WithDescription("Response phase duration"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create phase duration histogram: %w", err)
	}

	return nil
}

// Registry returns the Prometheus registry, or nil when Prometheus is disabled
func (tm *Manager) Registry() *prometheus.Registry {
	return tm.prometheusRegistry
}

// Handler returns the rate-limited metrics handler
func (tm *Manager) Handler() http.Handler {
	if tm.prometheusRegistry == nil {
		return http.NotFoundHandler()
	}
	return tm.secureMetricsHandler(promhttp.HandlerFor(
		tm.prometheusRegistry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
}

// Start begins serving /metrics
func (tm *Manager) Start() error {
	if !tm.config.PrometheusEnabled {
		log.Info().Msg("Prometheus metrics are disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", tm.Handler())

	server := &http.Server{
		Addr:              tm.config.PrometheusEndpoint,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	tm.server = server

	go func() {
		log.Info().Str("addr", tm.config.PrometheusEndpoint).Msg("Starting metrics server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return nil
}

// Stop shuts down the metrics server and the OpenTelemetry provider
func (tm *Manager) Stop(ctx context.Context) error {
	if tm.server != nil {
		log.Info().Msg("Shutting down metrics server")
		if err := tm.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("error shutting down metrics server: %w", err)
		}
	}

	if tm.otelMeterProvider != nil {
		log.Info().Msg("Shutting down OpenTelemetry provider")
		if err := tm.otelMeterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("error shutting down OpenTelemetry provider: %w", err)
		}
	}

	return nil
}

// secureMetricsHandler wraps the Prometheus HTTP handler with rate limiting
// and optional access logging
func (tm *Manager) secureMetricsHandler(next http.Handler) http.Handler {
	var limiter *rate.Limiter
	if tm.config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(tm.config.RateLimit)/60.0), tm.config.RateLimit)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil && !limiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		if tm.config.EnableAudit {
			log.Info().
				Str("remote_addr", r.RemoteAddr).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("Metrics endpoint accessed")
		}

		next.ServeHTTP(w, r)
	})
}

// SignalReceived implements escalation.Observer
func (tm *Manager) SignalReceived(signal threat.ThreatSignal, escalated bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.prometheusRegistry != nil {
		tm.signals.WithLabelValues(string(signal.Type), signal.Severity.String()).Inc()
		if escalated {
			tm.escalations.Inc()
			tm.threatLevel.Set(float64(signal.Severity))
		}
	}

	if tm.otelSignals != nil {
		tm.otelSignals.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("type", string(signal.Type)),
			attribute.String("severity", signal.Severity.String()),
		))
	}
}

// StateChanged implements escalation.Observer
func (tm *Manager) StateChanged(previous, current threat.SystemState, level threat.ThreatLevel) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.prometheusRegistry == nil {
		return
	}

	tm.systemState.Set(float64(current))
	tm.threatLevel.Set(float64(level))
	tm.transitions.WithLabelValues(current.String()).Inc()

	switch current {
	case threat.StateFullLockdown, threat.StateOrbitalMirror:
		tm.emergencyMode.Set(1)
	case threat.StateRecovery, threat.StateOperational:
		tm.emergencyMode.Set(0)
	}
}

// PhaseCompleted implements escalation.Observer
func (tm *Manager) PhaseCompleted(result escalation.PhaseResult) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.prometheusRegistry != nil {
		tm.phaseDurations.WithLabelValues(result.Sequence).Observe(result.Duration.Seconds())
		if result.Err != nil {
			tm.phaseFailures.WithLabelValues(result.Sequence, result.Phase).Inc()
		}
	}

	if tm.otelPhaseDurations != nil {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			attribute.String("sequence", result.Sequence),
			attribute.String("phase", result.Phase),
		)
		tm.otelPhaseDurations.Record(ctx, result.Duration.Seconds(), attrs)
		if result.Err != nil {
			tm.otelPhaseFailures.Add(ctx, 1, attrs)
		}
	}
}
