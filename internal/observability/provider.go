package observability

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Provider owns an SDK MeterProvider whose readings are pulled on demand,
// so a running server can report its own counters without an exporter.
type Provider struct {
	reader  *sdkmetric.ManualReader
	mp      *sdkmetric.MeterProvider
	metrics *Metrics
}

// NewProvider builds a MeterProvider backed by a manual reader.
func NewProvider() *Provider {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &Provider{
		reader:  reader,
		mp:      mp,
		metrics: NewWithMeter(mp.Meter(meterName)),
	}
}

// MeterProvider is the provider to install with otel.SetMeterProvider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.mp
}

// Metrics returns the engine instruments recorded by this provider.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Point is one data point of a collected instrument.
type Point struct {
	Name       string            `json:"name"`
	Unit       string            `json:"unit,omitempty"`
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
	// Value is the counter total or gauge reading. Unset for histograms.
	Value float64 `json:"value"`
	// Count and Sum describe histogram points.
	Count uint64  `json:"count,omitempty"`
	Sum   float64 `json:"sum,omitempty"`
}

// Snapshot collects the cumulative readings of every instrument, sorted by
// name.
func (p *Provider) Snapshot(ctx context.Context) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	points := []Point{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				points = appendSum(points, m, data.DataPoints)
			case metricdata.Sum[float64]:
				points = appendSum(points, m, data.DataPoints)
			case metricdata.Gauge[int64]:
				points = appendGauge(points, m, data.DataPoints)
			case metricdata.Gauge[float64]:
				points = appendGauge(points, m, data.DataPoints)
			case metricdata.Histogram[int64]:
				points = appendHistogram(points, m, data.DataPoints)
			case metricdata.Histogram[float64]:
				points = appendHistogram(points, m, data.DataPoints)
			}
		}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Name < points[j].Name })
	return points, nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}

func appendSum[N int64 | float64](out []Point, m metricdata.Metrics, dps []metricdata.DataPoint[N]) []Point {
	for _, dp := range dps {
		out = append(out, Point{Name: m.Name, Unit: m.Unit, Kind: "sum", Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
	}
	return out
}

func appendGauge[N int64 | float64](out []Point, m metricdata.Metrics, dps []metricdata.DataPoint[N]) []Point {
	for _, dp := range dps {
		out = append(out, Point{Name: m.Name, Unit: m.Unit, Kind: "gauge", Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
	}
	return out
}

func appendHistogram[N int64 | float64](out []Point, m metricdata.Metrics, dps []metricdata.HistogramDataPoint[N]) []Point {
	for _, dp := range dps {
		out = append(out, Point{Name: m.Name, Unit: m.Unit, Kind: "histogram", Attributes: attrMap(dp.Attributes), Count: dp.Count, Sum: float64(dp.Sum)})
	}
	return out
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
