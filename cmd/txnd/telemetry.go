package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"pkt.systems/pslog"
)

// telemetry owns the metrics pipeline: an otel meter provider exporting
// into a dedicated prometheus registry served over HTTP.
type telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	server        *http.Server
	listener      net.Listener
	logger        pslog.Logger
}

func setupTelemetry(metricsListen string, logger pslog.Logger) (*telemetry, error) {
	t := &telemetry{logger: logger}
	metricsListen = strings.TrimSpace(metricsListen)
	if metricsListen == "" {
		return t, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(t.meterProvider)

	ln, err := net.Listen("tcp", metricsListen)
	if err != nil {
		_ = t.meterProvider.Shutdown(context.Background())
		return nil, fmt.Errorf("telemetry: listen %s: %w", metricsListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	t.listener = ln
	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if serveErr := t.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Warn("telemetry.metrics.serve_failed", "error", serveErr)
		}
	}()
	logger.Info("telemetry.metrics.enabled", "listen", metricsListen)
	return t, nil
}

// Shutdown stops the metrics server and flushes the meter provider.
func (t *telemetry) Shutdown(ctx context.Context) {
	if t == nil {
		return
	}
	if t.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := t.server.Shutdown(shutdownCtx); err != nil {
			t.logger.Warn("telemetry.metrics.shutdown_failed", "error", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			t.logger.Warn("telemetry.meter.shutdown_failed", "error", err)
		}
	}
}
