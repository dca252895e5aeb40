package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(CacheLookups.WithLabelValues("hit"))
	CacheLookups.WithLabelValues("hit").Inc()
	if got := testutil.ToFloat64(CacheLookups.WithLabelValues("hit")); got != before+1 {
		t.Fatalf("cache hits=%v want %v", got, before+1)
	}
	ModelsOpen.Inc()
	ModelsOpen.Dec()
	if got := testutil.ToFloat64(ModelsOpen); got != 0 {
		t.Fatalf("models open=%v", got)
	}
}
