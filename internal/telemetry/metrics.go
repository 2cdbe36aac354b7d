package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Bridge-Gate/Bridgegate/internal/port/outbound"
)

// SetupMetrics installs a periodic metric dump writing JSON to w as the
// global meter provider. interval controls how often accumulated
// instruments are exported. Returns a shutdown function that flushes
// and stops the reader.
func SetupMetrics(ctx context.Context, version string, interval time.Duration, w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithEncoder(json.NewEncoder(w)))
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}

	res, err := newResource(ctx, version)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

// FrameMeter mirrors the data-path measurements onto OpenTelemetry
// instruments so the periodic dump carries the same counters the
// Prometheus endpoint serves. Combine it with the Prometheus meter
// through outbound.MultiMeter.
type FrameMeter struct {
	denials   metric.Int64Counter
	authFails metric.Int64Counter
	throttled metric.Int64Counter
	blocked   metric.Int64Counter
	frames    metric.Int64Counter
	bytes     metric.Int64Counter
	latency   metric.Float64Histogram
}

// NewFrameMeter builds the instrument set on the global meter provider.
// Call it after SetupMetrics so the instruments bind to the dump reader.
func NewFrameMeter() (*FrameMeter, error) {
	meter := otel.Meter("bridgegate")

	m := &FrameMeter{}
	var err error
	if m.denials, err = meter.Int64Counter("bridgegate.admission.denials",
		metric.WithDescription("Connections refused before a session existed.")); err != nil {
		return nil, err
	}
	if m.authFails, err = meter.Int64Counter("bridgegate.auth.failures",
		metric.WithDescription("Credentials rejected at handshake or in-band.")); err != nil {
		return nil, err
	}
	if m.throttled, err = meter.Int64Counter("bridgegate.throttled.frames",
		metric.WithDescription("Frames discarded by the sliding window.")); err != nil {
		return nil, err
	}
	if m.blocked, err = meter.Int64Counter("bridgegate.blocked.peers",
		metric.WithDescription("Rate-limit escalations to an IP block.")); err != nil {
		return nil, err
	}
	if m.frames, err = meter.Int64Counter("bridgegate.relay.frames",
		metric.WithDescription("Frames relayed, by listener and direction.")); err != nil {
		return nil, err
	}
	if m.bytes, err = meter.Int64Counter("bridgegate.relay.frame.bytes",
		metric.WithDescription("Frame payload bytes relayed."),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("bridgegate.relay.duration",
		metric.WithDescription("Gateway-side handling time of one inbound frame."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *FrameMeter) AdmissionDenied(listener, reason string) {
	m.denials.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("listener", listener),
		attribute.String("reason", reason),
	))
}

func (m *FrameMeter) AuthFailure(listener string) {
	m.authFails.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("listener", listener),
	))
}

func (m *FrameMeter) Throttled(listener string) {
	m.throttled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("listener", listener),
	))
}

func (m *FrameMeter) Blocked(listener string) {
	m.blocked.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("listener", listener),
	))
}

func (m *FrameMeter) FrameFromPeer(listener string, n int) {
	attrs := metric.WithAttributes(
		attribute.String("listener", listener),
		attribute.String("direction", "in"),
	)
	m.frames.Add(context.Background(), 1, attrs)
	m.bytes.Add(context.Background(), int64(n), attrs)
}

func (m *FrameMeter) FrameToPeer(listener string, n int) {
	attrs := metric.WithAttributes(
		attribute.String("listener", listener),
		attribute.String("direction", "out"),
	)
	m.frames.Add(context.Background(), 1, attrs)
	m.bytes.Add(context.Background(), int64(n), attrs)
}

func (m *FrameMeter) RelayLatency(listener string, d time.Duration) {
	m.latency.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("listener", listener),
	))
}

var _ outbound.Meter = (*FrameMeter)(nil)
