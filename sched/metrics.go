package sched

// Metrics aggregates scheduler-wide counters for the statistics
// endpoint. All fields are mutated under the owning Scheduler's lock.
type Metrics struct {
	TotalRequests int64
	CacheHits     int64
	CacheMisses   int64

	// averageWait is a running average of per-request processing time
	// in seconds, folded in incrementally as requests complete.
	averageWait float64
}

// observeWait folds one completed request's processing time (seconds)
// into the running average.
func (m *Metrics) observeWait(seconds float64) {
	if m.TotalRequests <= 0 {
		m.averageWait = seconds
		return
	}
	m.averageWait = (m.averageWait*float64(m.TotalRequests-1) + seconds) / float64(m.TotalRequests)
}

// CacheHitRate returns the cache hit percentage, or 0 before any lookups.
func (m *Metrics) CacheHitRate() float64 {
	lookups := m.CacheHits + m.CacheMisses
	if lookups == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(lookups) * 100
}

// QueueStats is a point-in-time snapshot of queue and instance state.
type QueueStats struct {
	Lanes              map[string]int     `json:"queues"`
	Active             map[string]int     `json:"active_requests"`
	Utilization        map[string]float64 `json:"capacity_utilization"`
	CacheHitRate       float64            `json:"cache_hit_rate"`
	AverageWaitSeconds float64            `json:"average_wait_seconds"`
	TotalRequests      int64              `json:"total_requests"`
}
