package sched

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/draftforge/draftforge/store"
)

const (
	// CacheTTL bounds how long completed generations are served from cache.
	CacheTTL = 24 * time.Hour

	// ResultTTL bounds retention of terminal result/status records.
	// Independent of (and much shorter than) CacheTTL.
	ResultTTL = 1 * time.Hour
)

// Generator streams generation tokens from a model instance. The
// endpoint is always an explicit argument: per-request routing never
// mutates shared client state.
//
// Implementations deliver tokens through emit as they arrive. On a
// mid-stream failure they append a single sentinel error token to the
// partial output and also return the error, so queue execution can
// record a FAILED outcome while streaming consumers keep the partial
// text (best-effort partial delivery).
type Generator interface {
	StreamGenerate(ctx context.Context, endpoint, prompt, model, system string, emit func(token string)) error
}

// Config carries the injected scheduler configuration. Zero values fall
// back to the defaults the backend shipped with.
type Config struct {
	Topology        []InstanceConfig
	TierLimits      map[string]int
	GlobalBacklog   int
	DefaultEndpoint string
}

// SubmitResult is the synchronous outcome of a submission.
type SubmitResult struct {
	Status        Status
	Payload       string // cached text, or rejection reason for failed
	QueuePosition int
	EstimatedWait time.Duration
}

// StatusReply answers a status query for one request.
type StatusReply struct {
	Status        Status
	QueuePosition int
	Result        string
}

// Scheduler is the request admission and dispatch core. It owns the
// four priority lanes, per-instance active sets, and per-user counters;
// all of that state is process-local and guarded by one mutex. The
// cache and result store sit behind store.KV and may be shared across
// processes.
//
// Construct with NewScheduler and wire it from the composition root;
// there are no package-level singletons, so tests can run several
// schedulers side by side.
type Scheduler struct {
	mu         sync.Mutex
	lanes      map[Priority]*Lane
	active     map[InstanceID]map[string]*GenerationRequest
	capacity   map[InstanceID]int
	userActive map[int64]int
	metrics    Metrics

	admission *Admission
	cache     store.KV
	results   store.KV
	gen       Generator
	health    *HealthTracker

	drainCh chan struct{}
	stopCh  chan struct{}
	loopWG  sync.WaitGroup // dispatcher loop
	execWG  sync.WaitGroup // in-flight executions

	now func() time.Time
}

// NewScheduler builds a stopped scheduler. cache and results may be the
// same store. Call Start to launch the dispatcher loop.
func NewScheduler(cfg Config, cache, results store.KV, gen Generator) *Scheduler {
	topology := cfg.Topology
	if len(topology) == 0 {
		topology = DefaultTopology()
	} else {
		topology = ensureCanonical(topology)
	}
	defaultEndpoint := cfg.DefaultEndpoint
	if defaultEndpoint == "" {
		defaultEndpoint = topology[0].Endpoint
	}

	s := &Scheduler{
		lanes: map[Priority]*Lane{
			PriorityCritical: {},
			PriorityHigh:     {},
			PriorityNormal:   {},
			PriorityLow:      {},
		},
		active:     make(map[InstanceID]map[string]*GenerationRequest, len(topology)),
		capacity:   make(map[InstanceID]int, len(topology)),
		userActive: make(map[int64]int),
		admission:  NewAdmission(cfg.TierLimits, cfg.GlobalBacklog),
		cache:      cache,
		results:    results,
		gen:        gen,
		drainCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	for _, inst := range topology {
		s.active[inst.ID] = make(map[string]*GenerationRequest)
		s.capacity[inst.ID] = inst.Capacity
	}
	s.health = NewHealthTracker(topology, defaultEndpoint, s.ActiveCounts)
	return s
}

// ensureCanonical guarantees the topology covers every instance
// TargetInstance can classify to. A request routed to an undeclared
// instance would otherwise be admitted, charged against its user's
// quota, and sit queued forever behind a zero-capacity slot; missing
// canonical instances are filled from the defaults instead.
func ensureCanonical(topology []InstanceConfig) []InstanceConfig {
	declared := make(map[InstanceID]bool, len(topology))
	for _, inst := range topology {
		declared[inst.ID] = true
	}
	for _, def := range DefaultTopology() {
		if !declared[def.ID] {
			logrus.Warnf("topology missing %s instance, adding default at %s", def.ID, def.Endpoint)
			topology = append(topology, def)
		}
	}
	return topology
}

// Health exposes the instance health tracker.
func (s *Scheduler) Health() *HealthTracker {
	return s.health
}

// Start launches the dispatcher loop. Safe to call once.
func (s *Scheduler) Start() {
	s.loopWG.Add(1)
	go s.run()
}

// Stop shuts the dispatcher loop down and waits for in-flight
// executions to finish writing their results.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.loopWG.Wait()
	s.execWG.Wait()
}

// Submit admits one generation request.
//
// Order of checks: the content cache first (a fresh hit short-circuits
// with no queueing and no quota charge), then the user's tier quota,
// then the global backlog. Accepted requests enter their priority lane
// and wake the dispatcher asynchronously; the caller never blocks on
// dispatch.
func (s *Scheduler) Submit(ctx context.Context, req *GenerationRequest) SubmitResult {
	s.mu.Lock()
	s.metrics.TotalRequests++
	s.mu.Unlock()

	if text, ok := s.checkCache(ctx, req); ok {
		return SubmitResult{Status: StatusCached, Payload: text}
	}

	s.mu.Lock()
	admitted, reason := s.admission.Admit(req, s.userActive[req.UserID], s.totalQueuedLocked())
	if !admitted {
		s.mu.Unlock()
		logrus.Infof("rejected request %s for user %d: %s", req.ID, req.UserID, reason)
		return SubmitResult{Status: StatusFailed, Payload: reason}
	}
	s.lanes[req.Priority].Enqueue(req)
	s.userActive[req.UserID]++
	position := s.queuePositionLocked(req.ID)
	wait := s.estimateWaitLocked(position)
	s.mu.Unlock()

	logrus.Infof("queued request %s in %s lane (user %d, position %d)", req.ID, req.Priority, req.UserID, position)
	s.signalDrain()

	return SubmitResult{Status: StatusQueued, Payload: "Request queued successfully", QueuePosition: position, EstimatedWait: wait}
}

// checkCache looks the request's fingerprint up in the content cache.
// Store errors degrade to a miss without charging the hit/miss counters.
func (s *Scheduler) checkCache(ctx context.Context, req *GenerationRequest) (string, bool) {
	text, ok, err := s.cache.Get(ctx, cacheKey(req.Fingerprint))
	if err != nil {
		logrus.Warnf("cache check failed for %s: %v", req.ID, err)
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.metrics.CacheHits++
		logrus.Infof("cache hit for request %s", req.ID)
		return text, true
	}
	s.metrics.CacheMisses++
	return "", false
}

// StatusOf reports the current state of a request: queued with its
// dispatch-order position, processing, or a terminal record from the
// result store. Unknown IDs (including expired records) report failed.
func (s *Scheduler) StatusOf(ctx context.Context, requestID string) StatusReply {
	s.mu.Lock()
	if pos := s.queuePositionLocked(requestID); pos >= 0 {
		s.mu.Unlock()
		return StatusReply{Status: StatusQueued, QueuePosition: pos}
	}
	for _, reqs := range s.active {
		if _, ok := reqs[requestID]; ok {
			s.mu.Unlock()
			return StatusReply{Status: StatusProcessing}
		}
	}
	s.mu.Unlock()

	status, ok, err := s.results.Get(ctx, statusKey(requestID))
	if err != nil {
		logrus.Warnf("status lookup failed for %s: %v", requestID, err)
		return StatusReply{Status: StatusFailed, Result: err.Error()}
	}
	if !ok {
		return StatusReply{Status: StatusFailed, Result: "Request not found"}
	}

	payload, _, err := s.results.Get(ctx, resultKey(requestID))
	if err != nil {
		logrus.Warnf("result lookup failed for %s: %v", requestID, err)
	}
	return StatusReply{Status: Status(status), Result: payload}
}

// Stats snapshots queue depths, instance activity and utilization, and
// cache/wait metrics.
func (s *Scheduler) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := QueueStats{
		Lanes:              make(map[string]int, len(s.lanes)),
		Active:             make(map[string]int, len(s.active)),
		Utilization:        make(map[string]float64, len(s.active)),
		CacheHitRate:       s.metrics.CacheHitRate(),
		AverageWaitSeconds: s.metrics.averageWait,
		TotalRequests:      s.metrics.TotalRequests,
	}
	for prio, lane := range s.lanes {
		stats.Lanes[prio.String()] = lane.Len()
	}
	for id, reqs := range s.active {
		stats.Active[string(id)] = len(reqs)
		if limit := s.capacity[id]; limit > 0 {
			stats.Utilization[string(id)] = float64(len(reqs)) / float64(limit) * 100
		}
	}
	return stats
}

// ActiveCounts reports the current number of active requests per
// instance. Wired into the health tracker's selection.
func (s *Scheduler) ActiveCounts() map[InstanceID]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[InstanceID]int, len(s.active))
	for id, reqs := range s.active {
		counts[id] = len(reqs)
	}
	return counts
}

// totalQueuedLocked sums queued requests across all lanes.
func (s *Scheduler) totalQueuedLocked() int {
	total := 0
	for _, lane := range s.lanes {
		total += lane.Len()
	}
	return total
}

// queuePositionLocked returns the request's position in dispatch order:
// all queued requests in strictly higher lanes plus those ahead of it
// in its own lane. Returns -1 if the request is not queued.
func (s *Scheduler) queuePositionLocked(requestID string) int {
	position := 0
	for _, prio := range prioritiesDesc {
		lane := s.lanes[prio]
		if idx := lane.IndexOf(requestID); idx >= 0 {
			return position + idx
		}
		position += lane.Len()
	}
	return -1
}

// estimateWaitLocked estimates time until dispatch from the queue
// position: the running average processing time per slot ahead when one
// is available, otherwise a 30s-per-slot default.
func (s *Scheduler) estimateWaitLocked(position int) time.Duration {
	perSlot := 30 * time.Second
	if s.metrics.averageWait > 0 {
		perSlot = time.Duration(s.metrics.averageWait * float64(time.Second))
	}
	return time.Duration(position+1) * perSlot
}

// signalDrain wakes the dispatcher loop. Signals are coalesced: a drain
// pass already pending absorbs further wakeups.
func (s *Scheduler) signalDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

func cacheKey(fingerprint string) string { return "docgen:" + fingerprint }
func resultKey(requestID string) string  { return "result:" + requestID }
func statusKey(requestID string) string  { return "status:" + requestID }
