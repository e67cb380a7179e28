package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	t.Parallel()

	mp := sdkmetric.NewMeterProvider()
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if m.TriageDuration == nil || m.TurnDuration == nil || m.Turns == nil || m.ActiveTurns == nil {
		t.Fatal("NewMetrics() left instruments nil")
	}
}

func TestRecordTurnIsCollected(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	ctx := context.Background()
	m.RecordTurn(ctx, "completed")
	m.RecordTurn(ctx, "cancelled")
	m.RecordShortCircuit(ctx, "trivial")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	found := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, met := range scope.Metrics {
			found[met.Name] = true
		}
	}
	for _, name := range []string{"attune.turns", "attune.short_circuits"} {
		if !found[name] {
			t.Errorf("metric %q not collected", name)
		}
	}
}
