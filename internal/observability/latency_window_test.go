package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe("commit", 10)
	w.Observe("commit", 20)
	w.Observe("commit", 30)
	w.ObserveIndicator("drop_outbox_full")
	w.ObserveIndicator("drop_outbox_full")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "commit" || s.Samples != 3 {
		t.Fatalf("stage = %+v, want commit with 3 samples", s)
	}
	if s.LastMS != 30 {
		t.Fatalf("LastMS = %.2f, want 30", s.LastMS)
	}
	if s.P50MS != 20 {
		t.Fatalf("P50MS = %.2f, want 20", s.P50MS)
	}
	if s.P95MS <= 20 || s.P95MS > 30 {
		t.Fatalf("P95MS = %.2f, want (20,30]", s.P95MS)
	}
	if s.TargetP95MS != 100 {
		t.Fatalf("TargetP95MS = %.2f, want 100", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one with count 2", snap.Indicators)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := NewLatencyWindow(2)
	for _, v := range []float64{100, 1, 2} {
		w.Observe("publish", v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.P99MS > 2 {
		t.Fatalf("P99MS = %.2f, oldest sample should be evicted", s.P99MS)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveMutation("task_status_updated", "ok", time.Millisecond)
	m.DeliveryDropped("outbox_full")
	m.SessionOpened()
	if got := m.StageSnapshot(); len(got.Stages) != 0 {
		t.Fatalf("nil StageSnapshot() = %+v, want empty", got)
	}
}

func TestMetricsUseGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("tasksync", reg)
	m.ObserveMutation("comment_created", "ok", 3*time.Millisecond)
	m.ObserveMutation("comment_created", "forbidden", 0)
	m.DeliveryDropped("outbox_full")

	if got := testutil.ToFloat64(m.Mutations.WithLabelValues("comment_created", "ok")); got != 1 {
		t.Fatalf("mutations ok = %v, want 1", got)
	}
	expected := `
# HELP tasksync_delivery_drops_total Frames dropped on the way to a subscriber by reason.
# TYPE tasksync_delivery_drops_total counter
tasksync_delivery_drops_total{reason="outbox_full"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "tasksync_delivery_drops_total"); err != nil {
		t.Fatalf("GatherAndCompare() error = %v", err)
	}
	if snap := m.StageSnapshot(); len(snap.Stages) != 1 || snap.Stages[0].Stage != "mutation_total" {
		t.Fatalf("stages = %+v, want mutation_total only", snap.Stages)
	}
}
