package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget defines a service level objective for one pipeline operation.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"`
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance for one operation.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker monitors SLOs across pipeline operations.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates a tracker with no targets registered.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// DefaultTargets are the pipeline-stage SLOs: the risk path must stay
// fast enough that a scan never blocks a warehouse gate.
func DefaultTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-ingest", Name: "Event ingestion", Operation: "ingest",
			LatencyP99: 100 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-score", Name: "Risk scoring", Operation: "score",
			LatencyP99: 250 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-decide", Name: "Threshold decision", Operation: "decide",
			LatencyP99: 100 * time.Millisecond, SuccessRate: 0.9999, WindowHours: 24},
		{SLOID: "slo-freeze", Name: "Evidence freeze", Operation: "freeze_evidence",
			LatencyP99: 2 * time.Second, SuccessRate: 0.995, WindowHours: 24},
		{SLOID: "slo-replay", Name: "Decision replay", Operation: "replay",
			LatencyP99: 1 * time.Second, SuccessRate: 0.99, WindowHours: 24},
	}
}

// RegisterTarget adds or replaces the SLO for an operation.
func (t *SLOTracker) RegisterTarget(target *SLOTarget) error {
	if target.SLOID == "" || target.Operation == "" {
		return fmt.Errorf("SLO target requires id and operation")
	}
	if target.SuccessRate <= 0 || target.SuccessRate > 1 {
		return fmt.Errorf("SLO success rate out of range (0,1]: %v", target.SuccessRate)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
	return nil
}

// Observe records one operation outcome.
func (t *SLOTracker) Observe(operation string, latency time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observations[operation] = append(t.observations[operation], SLOObservation{
		Operation: operation,
		Latency:   latency,
		Success:   success,
		Timestamp: t.clock(),
	})
}

// Status computes compliance for one operation over its window.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	cutoff := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
	var window []SLOObservation
	for _, o := range t.observations[operation] {
		if o.Timestamp.After(cutoff) {
			window = append(window, o)
		}
	}

	status := &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		InCompliance:     true,
		ErrorBudgetLeft:  100,
		ObservationCount: len(window),
	}
	if len(window) == 0 {
		return status, nil
	}

	latencies := make([]time.Duration, len(window))
	successes := 0
	for i, o := range window {
		latencies[i] = o.Latency
		if o.Success {
			successes++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p99 := latencies[(len(latencies)*99)/100]

	status.CurrentP99 = float64(p99.Microseconds()) / 1000
	status.CurrentSuccess = float64(successes) / float64(len(window))

	// burn rate: observed error rate over the budgeted error rate
	budget := 1 - target.SuccessRate
	observed := 1 - status.CurrentSuccess
	if budget > 0 {
		status.BurnRate = observed / budget
	}
	status.ErrorBudgetLeft = (1 - status.BurnRate) * 100
	if status.ErrorBudgetLeft < 0 {
		status.ErrorBudgetLeft = 0
	}

	status.InCompliance = p99 <= target.LatencyP99 &&
		status.CurrentSuccess >= target.SuccessRate
	return status, nil
}

// AllStatuses reports every registered operation, sorted by SLO id.
func (t *SLOTracker) AllStatuses() []*SLOStatus {
	t.mu.Lock()
	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	t.mu.Unlock()

	var out []*SLOStatus
	for _, op := range ops {
		if s, err := t.Status(op); err == nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLOID < out[j].SLOID })
	return out
}
