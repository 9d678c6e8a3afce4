package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_Singleton(t *testing.T) {
	m1 := New()
	if m1 == nil {
		t.Fatal("New() returned nil metrics instance")
	}
	if m2 := New(); m1 != m2 {
		t.Fatal("New() did not behave as a singleton")
	}

	if m1.BatchesTotal == nil || m1.FormatResultsTotal == nil || m1.RetrievalsTotal == nil {
		t.Error("domain counters not registered")
	}
	if m1.DatabaseQueryDuration == nil || m1.StorageWriteDuration == nil || m1.VendorRequestDuration == nil {
		t.Error("latency histograms not registered")
	}
}

func TestCounters_Increment(t *testing.T) {
	m := New()

	before := testutil.ToFloat64(m.RetrievalsTotal.WithLabelValues("integrity"))
	m.RetrievalsTotal.WithLabelValues("integrity").Inc()
	after := testutil.ToFloat64(m.RetrievalsTotal.WithLabelValues("integrity"))

	if after-before != 1 {
		t.Errorf("RetrievalsTotal{integrity} moved by %v, want 1", after-before)
	}
}
