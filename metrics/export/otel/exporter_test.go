package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/gmpsuite/gmpauth"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.RWMutex
	counters map[gmpauth.MetricID]uint64
	latency  []uint64
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() gmpauth.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := gmpauth.MetricsSnapshot{
		Counters:   make(map[gmpauth.MetricID]uint64, len(f.counters)),
		Histograms: map[gmpauth.MetricID][]uint64{gmpauth.MetricValidateLatency: append([]uint64(nil), f.latency...)},
	}
	for k, v := range f.counters {
		out.Counters[k] = v
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func newMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func findSum(rm metricdata.ResourceMetrics, name string) (metricdata.DataPoint[int64], bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if len(data.DataPoints) > 0 {
					return data.DataPoints[0], true
				}
			case metricdata.Gauge[int64]:
				if len(data.DataPoints) > 0 {
					return data.DataPoints[0], true
				}
			}
		}
	}
	return metricdata.DataPoint[int64]{}, false
}

func TestExporterCollects(t *testing.T) {
	reader, provider := newMeter()
	src := &fakeSource{
		counters: map[gmpauth.MetricID]uint64{gmpauth.MetricLoginSuccess: 3, gmpauth.MetricTokenRevoked: 2},
		latency:  []uint64{1, 1, 1, 1, 1, 1, 1, 1},
		dropped:  1,
	}

	exp, err := NewExporterFromSource(provider.Meter("gmpauth-test"), src, WithService("auth-service"))
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	for name, want := range map[string]int64{
		"gmpauth_login_success_total":                    3,
		"gmpauth_token_revoked_total":                    2,
		"gmpauth_audit_dropped_total":                    1,
		"gmpauth_validate_latency_seconds_bucket_le_inf": 8,
		"gmpauth_validate_latency_seconds_count":         8,
	} {
		dp, ok := findSum(rm, name)
		if !ok {
			t.Fatalf("metric %s not collected", name)
		}
		if dp.Value != want {
			t.Fatalf("%s = %d, want %d", name, dp.Value, want)
		}
		if v, ok := dp.Attributes.Value(attribute.Key("service.name")); !ok || v.AsString() != "auth-service" {
			t.Fatalf("%s missing service.name attribute", name)
		}
	}
}

func TestExporterRejectsNil(t *testing.T) {
	_, provider := newMeter()
	if _, err := NewExporterFromSource(provider.Meter("gmpauth-test"), nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewExporterFromSource(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
	if _, err := NewExporter(provider.Meter("gmpauth-test"), nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource for nil engine, got %v", err)
	}
}

func TestExporterConcurrentCollect(t *testing.T) {
	reader, provider := newMeter()
	src := &fakeSource{counters: map[gmpauth.MetricID]uint64{gmpauth.MetricLoginSuccess: 1}}

	exp, err := NewExporterFromSource(provider.Meter("gmpauth-test"), src)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	defer exp.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.counters[gmpauth.MetricLoginSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
