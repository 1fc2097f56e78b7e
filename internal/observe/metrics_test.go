package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric locates a metric by name across all scopes. Returns nil when the
// metric was never recorded.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	m, _ := newTestMetrics(t)

	if m.NegotiationDuration == nil || m.QueueDelay == nil || m.FramesSent == nil || m.ChunksPlayed == nil ||
		m.ChunksDropped == nil || m.DecodeErrors == nil || m.Events == nil ||
		m.Interrupts == nil || m.Turns == nil || m.ActiveSessions == nil {
		t.Fatal("not all instruments were created")
	}
}

func TestRecordEvent_CountsByType(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEvent(ctx, "audio")
	m.RecordEvent(ctx, "audio")
	m.RecordEvent(ctx, "transcription")

	rm := collect(t, reader)
	metric := findMetric(rm, "holovox.signaling.events")
	if metric == nil {
		t.Fatal("events metric not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("events metric is %T, want Sum[int64]", metric.Data)
	}

	byType := map[string]int64{}
	for _, dp := range sum.DataPoints {
		if v, found := dp.Attributes.Value(attribute.Key("type")); found {
			byType[v.AsString()] = dp.Value
		}
	}
	if byType["audio"] != 2 || byType["transcription"] != 1 {
		t.Errorf("event counts = %v", byType)
	}
}

func TestRecordNegotiation_HistogramWithAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordNegotiation(context.Background(), "relay", "ok", 0.42)

	rm := collect(t, reader)
	metric := findMetric(rm, "holovox.avatar.negotiation.duration")
	if metric == nil {
		t.Fatal("negotiation metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("negotiation metric is %T, want Histogram[float64]", metric.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 || dp.Sum != 0.42 {
		t.Errorf("count = %d sum = %v", dp.Count, dp.Sum)
	}
	if v, found := dp.Attributes.Value(attribute.Key("variant")); !found || v.AsString() != "relay" {
		t.Error("variant attribute missing")
	}
	if v, found := dp.Attributes.Value(attribute.Key("status")); !found || v.AsString() != "ok" {
		t.Error("status attribute missing")
	}
}

func TestActiveSessions_UpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	metric := findMetric(rm, "holovox.active_sessions")
	if metric == nil {
		t.Fatal("active sessions metric not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("active sessions metric is %T, want Sum[int64]", metric.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 1 {
		t.Errorf("active sessions = %d, want 1", total)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
