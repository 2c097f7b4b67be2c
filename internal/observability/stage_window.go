package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Provisioning stages recorded per session create.
const (
	StageStore     = "store_create"
	StageRoom      = "room_prepare"
	StageDispatch  = "dispatch_submit"
	StageReadiness = "agent_readiness"
	StageTotal     = "provision_total"
)

// Provisioning outcomes counted over the last window of session creates.
const (
	OutcomeVerified   = "verified"
	OutcomeUnverified = "unverified"
	OutcomeFailed     = "failed"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target"`
}

// OutcomeStats summarizes how recent session creates ended. VerifiedRatio
// is verified over attempts, or 0 with no attempts.
type OutcomeStats struct {
	Attempts      int     `json:"attempts"`
	Verified      int     `json:"verified"`
	Unverified    int     `json:"unverified"`
	Failed        int     `json:"failed"`
	VerifiedRatio float64 `json:"verified_ratio"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Outcomes    OutcomeStats `json:"outcomes"`
}

// StageWindow keeps the last maxSamples latencies per provisioning stage
// and the last maxSamples create outcomes.
type StageWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*ring[float64]
	outcomes   *ring[string]
}

type ring[T any] struct {
	values []T
	next   int
	filled bool
}

func newRing[T any](n int) *ring[T] { return &ring[T]{values: make([]T, n)} }

func (r *ring[T]) push(v T) {
	r.values[r.next] = v
	r.next++
	if r.next >= len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (r *ring[T]) last() T {
	i := r.next - 1
	if i < 0 {
		i = len(r.values) - 1
	}
	return r.values[i]
}

func (r *ring[T]) items() []T {
	n := r.next
	if r.filled {
		n = len(r.values)
	}
	out := make([]T, n)
	copy(out, r.values[:n])
	return out
}

func NewStageWindow(maxSamples int) *StageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &StageWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*ring[float64]),
		outcomes:   newRing[string](maxSamples),
	}
}

func (w *StageWindow) ObserveDuration(stage string, d time.Duration) {
	w.Observe(stage, float64(d.Microseconds())/1000)
}

func (w *StageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.stages[stage]
	if !ok {
		buf = newRing[float64](w.maxSamples)
		w.stages[stage] = buf
	}
	buf.push(ms)
}

// ObserveOutcome records how one session create ended. Unknown outcomes
// are ignored.
func (w *StageWindow) ObserveOutcome(outcome string) {
	if w == nil {
		return
	}
	switch outcome {
	case OutcomeVerified, OutcomeUnverified, OutcomeFailed:
	default:
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes.push(outcome)
}

func (w *StageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		keys = append(keys, stage)
	}
	sort.Strings(keys)

	stages := make([]StageStats, 0, len(keys))
	for _, stage := range keys {
		buf := w.stages[stage]
		samples := buf.items()
		if len(samples) == 0 {
			continue
		}
		sort.Float64s(samples)

		target := stageTargetP95MS(stage)
		sum := 0.0
		over := 0
		for _, v := range samples {
			sum += v
			if target > 0 && v > target {
				over++
			}
		}
		stages = append(stages, StageStats{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      round2(buf.last()),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			TargetP95MS: target,
			OverTarget:  over,
		})
	}

	var outcomes OutcomeStats
	for _, o := range w.outcomes.items() {
		outcomes.Attempts++
		switch o {
		case OutcomeVerified:
			outcomes.Verified++
		case OutcomeUnverified:
			outcomes.Unverified++
		case OutcomeFailed:
			outcomes.Failed++
		}
	}
	if outcomes.Attempts > 0 {
		outcomes.VerifiedRatio = round2(float64(outcomes.Verified) / float64(outcomes.Attempts))
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
		Outcomes:    outcomes,
	}
}

func (w *StageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*ring[float64])
	w.outcomes = newRing[string](w.maxSamples)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageStore:
		return 150
	case StageRoom:
		return 2500
	case StageDispatch:
		return 600
	case StageReadiness:
		return 4000
	case StageTotal:
		return 8000
	default:
		return 0
	}
}
