package internaldefs

import (
	"strings"
	"testing"

	"github.com/gmpsuite/gmpauth"
)

func TestDefinitionsCoverEveryMetric(t *testing.T) {
	seen := make(map[gmpauth.MetricID]string, gmpauth.MetricCount)
	names := make(map[string]bool, gmpauth.MetricCount)
	for _, def := range CounterDefs {
		if prev, dup := seen[def.ID]; dup {
			t.Fatalf("metric %d defined twice (%s, %s)", def.ID, prev, def.Name)
		}
		seen[def.ID] = def.Name
		if !strings.HasPrefix(def.Name, "gmpauth_") || !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("counter name %q breaks the naming scheme", def.Name)
		}
		if names[def.Name] {
			t.Fatalf("duplicate name %q", def.Name)
		}
		names[def.Name] = true
	}
	for _, def := range HistogramDefs {
		seen[def.ID] = def.Name
	}
	if len(seen) != gmpauth.MetricCount {
		t.Fatalf("definitions cover %d metrics, engine has %d", len(seen), gmpauth.MetricCount)
	}
	if len(HistogramBounds) != gmpauth.HistogramBucketCount || len(HistogramBoundSuffix) != gmpauth.HistogramBucketCount {
		t.Fatal("bucket bounds out of sync with the engine histogram")
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 0, 3}))
	want := [gmpauth.HistogramBucketCount]uint64{1, 3, 3, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}
