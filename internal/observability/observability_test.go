package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	w.Observe(StageReadiness, 500)
	w.Observe(StageReadiness, 700)
	w.ObserveDuration(StageReadiness, 900*time.Millisecond)
	w.Observe(StageReadiness, 4500)
	w.ObserveOutcome(OutcomeVerified)
	w.ObserveOutcome(OutcomeVerified)
	w.ObserveOutcome(OutcomeUnverified)
	w.ObserveOutcome(OutcomeFailed)
	w.ObserveOutcome("bogus")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageReadiness {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageReadiness)
	}
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	if s.LastMS != 4500 {
		t.Fatalf("LastMS = %.2f, want 4500", s.LastMS)
	}
	if s.P50MS != 800 {
		t.Fatalf("P50MS = %.2f, want 800", s.P50MS)
	}
	if s.TargetP95MS != 4000 || s.OverTarget != 1 {
		t.Fatalf("target = %.2f over %d, want 4000 over 1", s.TargetP95MS, s.OverTarget)
	}
	want := OutcomeStats{Attempts: 4, Verified: 2, Unverified: 1, Failed: 1, VerifiedRatio: 0.5}
	if snap.Outcomes != want {
		t.Fatalf("Outcomes = %+v, want %+v", snap.Outcomes, want)
	}
}

func TestStageWindowWrapsAndResets(t *testing.T) {
	w := NewStageWindow(2)
	for _, ms := range []float64{10, 20, 30} {
		w.Observe(StageTotal, ms)
	}
	w.Observe("", 5)
	w.Observe(StageStore, -1)
	for i := 0; i < 3; i++ {
		w.ObserveOutcome(OutcomeFailed)
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].Samples != 2 {
		t.Fatalf("Stages = %+v, want one stage with 2 samples", snap.Stages)
	}
	if snap.Stages[0].AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25 after wrap", snap.Stages[0].AvgMS)
	}

	if snap.Stages[0].LastMS != 30 {
		t.Fatalf("LastMS = %.2f, want 30 after wrap", snap.Stages[0].LastMS)
	}
	if snap.Outcomes.Attempts != 2 || snap.Outcomes.Failed != 2 {
		t.Fatalf("Outcomes = %+v, want 2 failed attempts in window", snap.Outcomes)
	}

	w.Reset()
	if got := w.Snapshot(); len(got.Stages) != 0 || got.Outcomes.Attempts != 0 {
		t.Fatalf("snapshot after Reset = %+v, want empty", got)
	}
}

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	m.SessionEvents.WithLabelValues("created").Inc()
	m.SessionEvents.WithLabelValues("created").Inc()
	m.ObserveProvisioning(1500 * time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
		switch mf.GetName() {
		case "test_session_events_total":
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 2 {
				t.Fatalf("session_events_total = %v, want 2", got)
			}
		case "test_provisioning_duration_ms":
			if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
				t.Fatalf("provisioning samples = %d, want 1", got)
			}
		}
	}
	for _, name := range []string{"test_session_events_total", "test_provisioning_duration_ms"} {
		if !found[name] {
			t.Fatalf("metric %s not registered", name)
		}
	}
}
