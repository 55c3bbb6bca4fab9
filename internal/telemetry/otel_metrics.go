package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/yuuki/rshmem/internal/rdma"
	"github.com/yuuki/rshmem/internal/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	serviceName    = "rshmem"
	serviceVersion = "0.1.0"
	meterName      = "github.com/yuuki/rshmem/transport"
)

var _ rdma.MetricHook = (*Metrics)(nil)

// Metrics records transport events as OpenTelemetry instruments
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	postedCounter       metric.Int64Counter
	bytesCounter        metric.Int64Counter
	drainedCounter      metric.Int64Counter
	drainHistogram      metric.Float64Histogram
	failureCounter      metric.Int64Counter
	backpressureCounter metric.Int64Counter
	occupancyHistogram  metric.Int64Histogram
	timeoutCounter      metric.Int64Counter
}

// parseCollectorAddr splits a collector address into exporter scheme and
// host:port endpoint. Schemeless addresses default to grpc.
func parseCollectorAddr(collectorAddr string) (string, string, error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	// Determine exporter endpoint (host and port)
	exporterEndpoint := parsedURL.Host
	if parsedURL.Host == "" {
		switch {
		case parsedURL.Opaque != "" && !strings.Contains(parsedURL.Opaque, "/"):
			// "localhost:4317" parses as scheme "localhost", opaque "4317"
			exporterEndpoint = collectorAddr
			parsedURL.Scheme = ""
		case collectorAddr != "" && !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":"):
			exporterEndpoint = collectorAddr
			parsedURL.Scheme = ""
		default:
			return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	if scheme == "" {
		scheme = "grpc"
	}
	switch scheme {
	case "grpc", "grpcs", "http", "https":
	default:
		return "", "", fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
	return scheme, exporterEndpoint, nil
}

// NewOTLP creates metrics exported periodically to an OTLP collector and
// installs the provider as the global meter provider
func NewOTLP(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(endpoint),
		}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}

	m, err := NewWithReader(instanceID, sdkmetric.NewPeriodicReader(
		exporter,
		sdkmetric.WithInterval(10*time.Second),
	))
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// NewWithReader creates metrics collected by reader
func NewWithReader(instanceID string, reader sdkmetric.Reader) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	meter := provider.Meter(meterName)
	m := &Metrics{provider: provider, meter: meter}

	if m.postedCounter, err = meter.Int64Counter(
		"rshmem.work.posted",
		metric.WithDescription("Number of work entries posted"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.bytesCounter, err = meter.Int64Counter(
		"rshmem.work.bytes",
		metric.WithDescription("Bytes carried by posted work entries"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.drainedCounter, err = meter.Int64Counter(
		"rshmem.completions.drained",
		metric.WithDescription("Number of completion entries consumed"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.drainHistogram, err = meter.Float64Histogram(
		"rshmem.completions.drain_time",
		metric.WithDescription("Time spent waiting for completions in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.failureCounter, err = meter.Int64Counter(
		"rshmem.completions.failed",
		metric.WithDescription("Number of completions with an error status"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.backpressureCounter, err = meter.Int64Counter(
		"rshmem.flow.backpressure",
		metric.WithDescription("Number of posts that had to drain completions first"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	if m.occupancyHistogram, err = meter.Int64Histogram(
		"rshmem.flow.occupancy",
		metric.WithDescription("Send queue occupancy when backpressure started"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.timeoutCounter, err = meter.Int64Counter(
		"rshmem.poll.timeout",
		metric.WithDescription("Number of polls that hit their deadline"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func queuePairAttrs(peer, qp uint32, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{
		attribute.Int("peer", int(peer)),
		attribute.Int("qp", int(qp)),
	}, extra...)
	return metric.WithAttributes(attrs...)
}

// WorkPosted records a posted work entry
func (m *Metrics) WorkPosted(peer, qp uint32, op wire.Opcode, bytes uint32) {
	attrs := queuePairAttrs(peer, qp, attribute.String("op", op.String()))
	m.postedCounter.Add(context.Background(), 1, attrs)
	m.bytesCounter.Add(context.Background(), int64(bytes), attrs)
}

// CompletionsDrained records completions consumed by one poll
func (m *Metrics) CompletionsDrained(peer, qp uint32, n uint32, elapsed time.Duration) {
	attrs := queuePairAttrs(peer, qp)
	m.drainedCounter.Add(context.Background(), int64(n), attrs)
	m.drainHistogram.Record(context.Background(), float64(elapsed.Nanoseconds())/1_000_000.0, attrs)
}

// CompletionFailed records a completion with an error status
func (m *Metrics) CompletionFailed(peer, qp uint32, status rdma.Status) {
	m.failureCounter.Add(context.Background(), 1, queuePairAttrs(peer, qp, attribute.String("status", status.String())))
}

// Backpressure records a post that waited for credits
func (m *Metrics) Backpressure(peer, qp uint32, occupancy uint32) {
	attrs := queuePairAttrs(peer, qp)
	m.backpressureCounter.Add(context.Background(), 1, attrs)
	m.occupancyHistogram.Record(context.Background(), int64(occupancy), attrs)
}

// PollTimedOut records a poll deadline
func (m *Metrics) PollTimedOut(peer, qp uint32) {
	m.timeoutCounter.Add(context.Background(), 1, queuePairAttrs(peer, qp))
}

// Shutdown flushes and stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
