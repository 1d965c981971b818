package prometheus

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gmpsuite/gmpauth"
	"github.com/gmpsuite/gmpauth/metrics/export/internaldefs"
)

// Source is what the exporter reads. *gmpauth.Engine satisfies it.
type Source interface {
	MetricsSnapshot() gmpauth.MetricsSnapshot
	AuditDropped() uint64
}

// healthSource is optionally implemented by a Source to add the Redis gauges.
type healthSource interface {
	Health(ctx context.Context) gmpauth.HealthStatus
}

const healthProbeTimeout = time.Second

// Exporter renders engine metrics in the Prometheus text exposition format.
type Exporter struct {
	source Source
}

func NewExporter(engine *gmpauth.Engine) *Exporter {
	return &Exporter{source: engine}
}

func NewExporterFromSource(source Source) *Exporter {
	return &Exporter{source: source}
}

// Handler serves the current metrics. The request context bounds the
// health probe.
func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var b strings.Builder
		p.write(r.Context(), &b)
		_, _ = io.WriteString(w, b.String())
	})
}

// Render returns the exposition text. It is empty while metrics are disabled
// and nothing has been dropped.
func (p *Exporter) Render() string {
	var b strings.Builder
	p.write(context.Background(), &b)
	return b.String()
}

func (p *Exporter) write(ctx context.Context, b *strings.Builder) {
	if p == nil || p.source == nil {
		return
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return
	}

	b.Grow(6144)
	for _, def := range internaldefs.CounterDefs {
		writeSample(b, def.Name, def.Help, "counter", strconv.FormatUint(snapshot.Counters[def.ID], 10))
	}
	for _, def := range internaldefs.HistogramDefs {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID]))
		writeHistogram(b, def.Name, def.Help, cumulative)
	}
	writeSample(b, "gmpauth_audit_dropped_total", "Audit events dropped because the dispatcher buffer was full.", "counter",
		strconv.FormatUint(dropped, 10))

	if hs, ok := p.source.(healthSource); ok {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		health := hs.Health(probeCtx)
		cancel()

		up := "0"
		if health.RedisAvailable {
			up = "1"
		}
		writeSample(b, "gmpauth_redis_up", "Whether the session Redis answered the last probe.", "gauge", up)
		writeSample(b, "gmpauth_redis_latency_seconds", "Round trip of the last Redis probe.", "gauge",
			strconv.FormatFloat(health.RedisLatency.Seconds(), 'g', -1, 64))
	}
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(help))
	b.WriteString("\n# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(typ)
	b.WriteByte('\n')
}

func writeSample(b *strings.Builder, name, help, typ, value string) {
	writeHeader(b, name, help, typ)
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(value)
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, help string, cumulative [gmpauth.HistogramBucketCount]uint64) {
	writeHeader(b, name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		b.WriteString(name)
		b.WriteString(`_bucket{le="`)
		b.WriteString(le)
		b.WriteString(`"} `)
		b.WriteString(strconv.FormatUint(cumulative[i], 10))
		b.WriteByte('\n')
	}

	b.WriteString(name)
	b.WriteString("_count ")
	b.WriteString(strconv.FormatUint(cumulative[len(cumulative)-1], 10))
	b.WriteByte('\n')

	// The engine keeps bucket counts only.
	b.WriteString(name)
	b.WriteString("_sum 0\n")
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, `\`, `\\`)
	return strings.ReplaceAll(help, "\n", `\n`)
}
