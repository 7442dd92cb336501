package sched

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// probeTimeout bounds one liveness call against an instance.
	probeTimeout = 5 * time.Second

	// probeFreshness is the window after which a health record is stale
	// and must be refreshed before it can inform a selection.
	probeFreshness = 60 * time.Second

	// slowLatency is the sentinel recorded for failed probes so that
	// unhealthy instances sort last under the load-balance rule.
	slowLatency = 999 * time.Second
)

// HealthRecord is the per-instance probe state.
type HealthRecord struct {
	LastProbe time.Time     `json:"last_probe"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
}

// HealthTracker probes model instances for liveness and picks the best
// instance for a task shape. Selection is a reproducible greedy
// heuristic: it trades global fairness for low coordination overhead.
type HealthTracker struct {
	client          *http.Client
	topology        map[InstanceID]InstanceConfig
	order           []InstanceID // topology order, for stable iteration
	defaultEndpoint string

	// activeCounts reports current per-instance active request counts;
	// wired to the Scheduler so selection can respect ceilings.
	activeCounts func() map[InstanceID]int

	mu      sync.Mutex
	records map[InstanceID]*HealthRecord

	now func() time.Time
}

// NewHealthTracker builds a tracker over the given topology. All
// instances start healthy and unprobed; the first selection refreshes
// them. defaultEndpoint is the degraded-mode fallback used when no
// instance is healthy and under capacity.
func NewHealthTracker(topology []InstanceConfig, defaultEndpoint string, activeCounts func() map[InstanceID]int) *HealthTracker {
	t := &HealthTracker{
		client:          &http.Client{Timeout: probeTimeout},
		topology:        make(map[InstanceID]InstanceConfig, len(topology)),
		defaultEndpoint: defaultEndpoint,
		activeCounts:    activeCounts,
		records:         make(map[InstanceID]*HealthRecord, len(topology)),
		now:             time.Now,
	}
	for _, cfg := range topology {
		t.topology[cfg.ID] = cfg
		t.order = append(t.order, cfg.ID)
		t.records[cfg.ID] = &HealthRecord{Healthy: true}
	}
	return t
}

// Endpoint returns the configured endpoint for an instance, or the
// default endpoint for an unknown ID.
func (t *HealthTracker) Endpoint(id InstanceID) string {
	if cfg, ok := t.topology[id]; ok {
		return cfg.Endpoint
	}
	return t.defaultEndpoint
}

// DefaultEndpoint returns the degraded-mode fallback endpoint.
func (t *HealthTracker) DefaultEndpoint() string {
	return t.defaultEndpoint
}

// Probe performs one bounded liveness call against the instance and
// records the outcome. Any failure (timeout, connection error,
// non-success status) marks the instance unhealthy with the slow
// sentinel latency.
func (t *HealthTracker) Probe(ctx context.Context, id InstanceID) bool {
	cfg, ok := t.topology[id]
	if !ok {
		return false
	}

	start := t.now()
	healthy := false
	latency := slowLatency

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Endpoint+"/api/tags", nil)
	if err == nil {
		resp, doErr := t.client.Do(req)
		if doErr == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				healthy = true
				latency = t.now().Sub(start)
			} else {
				logrus.Warnf("health probe for %s failed: status %d", id, resp.StatusCode)
			}
		} else {
			logrus.Warnf("health probe for %s failed: %v", id, doErr)
		}
	}

	t.mu.Lock()
	t.records[id].LastProbe = t.now()
	t.records[id].Healthy = healthy
	t.records[id].Latency = latency
	t.mu.Unlock()

	if healthy {
		logrus.Debugf("health probe OK for %s: %s", id, latency)
	}
	return healthy
}

// MarkUnhealthy records an observed failure (e.g. a generation error)
// so subsequent selections avoid the instance until a probe succeeds.
func (t *HealthTracker) MarkUnhealthy(id InstanceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[id]; ok {
		rec.Healthy = false
		rec.Latency = slowLatency
	}
}

// refreshStale probes every instance whose record is older than the
// freshness window (or has never been probed).
func (t *HealthTracker) refreshStale(ctx context.Context) {
	for _, id := range t.order {
		t.mu.Lock()
		last := t.records[id].LastProbe
		t.mu.Unlock()
		if last.IsZero() || t.now().Sub(last) > probeFreshness {
			t.Probe(ctx, id)
		}
	}
}

// healthyCandidates returns instances that are healthy and below their
// concurrency ceiling, in topology order, with their current load.
type candidate struct {
	id      InstanceID
	active  int
	latency time.Duration
}

func (t *HealthTracker) healthyCandidates() []candidate {
	counts := map[InstanceID]int{}
	if t.activeCounts != nil {
		counts = t.activeCounts()
	}
	var out []candidate
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.order {
		rec := t.records[id]
		if !rec.Healthy {
			continue
		}
		if counts[id] >= t.topology[id].Capacity {
			continue
		}
		out = append(out, candidate{id: id, active: counts[id], latency: rec.Latency})
	}
	return out
}

// SelectInstance picks the best instance for a task shape.
// Rule precedence, in order:
//  1. high/critical hint: prefer priority, then normal, then fast;
//  2. fast hint or estimated duration under 30s: prefer fast, then
//     normal, then priority;
//  3. otherwise load-balance by activeCount + 0.1*latencySeconds,
//     ascending, ties broken by topology order.
//
// Stale records are refreshed first. If no instance is healthy and
// under capacity, the default endpoint is returned with an empty ID
// (degraded mode — dispatch may still fail downstream).
func (t *HealthTracker) SelectInstance(ctx context.Context, priorityHint string, estimated time.Duration) (InstanceID, string) {
	t.refreshStale(ctx)

	candidates := t.healthyCandidates()
	if len(candidates) == 0 {
		logrus.Warn("no healthy instance under capacity, using default endpoint")
		return "", t.defaultEndpoint
	}

	pick := func(order []InstanceID) (InstanceID, string) {
		for _, want := range order {
			for _, c := range candidates {
				if c.id == want {
					return want, t.Endpoint(want)
				}
			}
		}
		return "", t.defaultEndpoint
	}

	switch {
	case priorityHint == "high" || priorityHint == "critical":
		return pick([]InstanceID{InstancePriority, InstanceNormal, InstanceFast})
	case priorityHint == "fast" || estimated < fastDurationThreshold:
		return pick([]InstanceID{InstanceFast, InstanceNormal, InstancePriority})
	default:
		sort.SliceStable(candidates, func(i, j int) bool {
			return loadScore(candidates[i]) < loadScore(candidates[j])
		})
		best := candidates[0]
		return best.id, t.Endpoint(best.id)
	}
}

// loadScore orders load-balanced candidates: active requests dominate,
// observed latency is a tiebreaker at a 0.1 weight.
func loadScore(c candidate) float64 {
	return float64(c.active) + 0.1*c.latency.Seconds()
}

// Snapshot returns a copy of all health records keyed by instance ID.
func (t *HealthTracker) Snapshot() map[InstanceID]HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[InstanceID]HealthRecord, len(t.records))
	for id, rec := range t.records {
		out[id] = *rec
	}
	return out
}

// String summarises tracker state for logs.
func (t *HealthTracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := "health["
	for i, id := range t.order {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s:%v", id, t.records[id].Healthy)
	}
	return s + "]"
}
