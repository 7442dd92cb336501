package sched

import (
	"context"
	"testing"
	"time"
)

func TestScheduler_EndToEnd_CompletionWritesResultAndCache(t *testing.T) {
	// GIVEN a running scheduler with a generator producing fixed output
	gen := &fakeGen{output: "generated section text"}
	s, kv := newTestScheduler(Config{}, gen)
	s.Start()
	defer s.Stop()

	// WHEN a request is submitted and drained
	req := NewGenerationRequest(1, "write the method section", "phi3:mini", PriorityNormal, "tdd", "free")
	if res := s.Submit(context.Background(), req); res.Status != StatusQueued {
		t.Fatalf("submit: got %s", res.Status)
	}
	waitFor(t, func() bool {
		return s.StatusOf(context.Background(), req.ID).Status == StatusCompleted
	}, "request completion")

	// THEN the terminal record carries the generated text
	reply := s.StatusOf(context.Background(), req.ID)
	if reply.Result != "generated section text" {
		t.Errorf("result: got %q", reply.Result)
	}

	// AND the content cache now serves an identical request without
	// queueing it
	again := NewGenerationRequest(2, "write the method section", "phi3:mini", PriorityNormal, "tdd", "free")
	if res := s.Submit(context.Background(), again); res.Status != StatusCached || res.Payload != "generated section text" {
		t.Errorf("resubmit: got %s %q, want cached hit", res.Status, res.Payload)
	}
	if text, ok, _ := kv.Get(context.Background(), "docgen:"+req.Fingerprint); !ok || text != "generated section text" {
		t.Errorf("cache entry: got %q (present=%v)", text, ok)
	}
}

func TestScheduler_Execute_FailureRecordsFailedAndMarksUnhealthy(t *testing.T) {
	// GIVEN a running scheduler whose generator always fails
	gen := &fakeGen{fail: true}
	s, _ := newTestScheduler(Config{}, gen)
	s.Start()
	defer s.Stop()

	// WHEN a request is dispatched
	req := NewGenerationRequest(1, "doomed work", "phi3:mini", PriorityNormal, "tdd", "free")
	s.Submit(context.Background(), req)
	waitFor(t, func() bool {
		return s.StatusOf(context.Background(), req.ID).Status == StatusFailed
	}, "request failure")

	// THEN the failure text is the result payload
	reply := s.StatusOf(context.Background(), req.ID)
	if reply.Result != "instance exploded" {
		t.Errorf("failure payload: got %q", reply.Result)
	}

	// AND the serving instance is marked unhealthy for future selection
	snapshot := s.Health().Snapshot()
	if rec := snapshot[TargetInstance(req)]; rec.Healthy {
		t.Error("failed instance should be unhealthy")
	}

	// AND the failed user's quota slot is released
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.userActive) == 0
	}, "quota release")
}

func TestScheduler_Dispatch_RespectsInstanceCeiling(t *testing.T) {
	// GIVEN a running scheduler whose generator blocks until released
	gen := &fakeGen{gate: make(chan struct{})}
	s, _ := newTestScheduler(Config{}, gen)
	s.Start()
	defer s.Stop()

	// WHEN three requests targeting the normal instance (capacity 2)
	// are submitted
	var ids []string
	for i, prompt := range []string{"first", "second", "third"} {
		req := NewGenerationRequest(int64(i), prompt, "phi3:mini", PriorityNormal, "tdd", "enterprise")
		s.Submit(context.Background(), req)
		ids = append(ids, req.ID)
	}

	// THEN exactly two run and the third waits at the lane head
	waitFor(t, func() bool { return s.ActiveCounts()[InstanceNormal] == 2 }, "two active requests")
	time.Sleep(20 * time.Millisecond) // give an over-dispatch a chance to happen
	if got := s.ActiveCounts()[InstanceNormal]; got != 2 {
		t.Fatalf("active on normal: got %d, want 2", got)
	}
	if reply := s.StatusOf(context.Background(), ids[2]); reply.Status != StatusQueued || reply.QueuePosition != 0 {
		t.Errorf("third request: got %s position %d, want queued at 0", reply.Status, reply.QueuePosition)
	}

	// WHEN the in-flight generations are released
	close(gen.gate)

	// THEN the freed capacity drains the third request too
	for _, id := range ids {
		waitFor(t, func() bool {
			return s.StatusOf(context.Background(), id).Status == StatusCompleted
		}, "completion of "+id)
	}
}

func TestScheduler_DrainOnce_HigherLanesDispatchFirst(t *testing.T) {
	// GIVEN a one-slot priority instance and a high request queued
	// before a critical one (dispatcher loop not running)
	topo := []InstanceConfig{
		{ID: InstancePriority, Endpoint: "http://p", Capacity: 1},
		{ID: InstanceNormal, Endpoint: "http://n", Capacity: 1},
		{ID: InstanceFast, Endpoint: "http://f", Capacity: 1},
	}
	gen := &fakeGen{gate: make(chan struct{})}
	s, _ := newTestScheduler(Config{Topology: topo}, gen)

	high := NewGenerationRequest(1, "high work", "phi3:mini", PriorityHigh, "tdd", "free")
	crit := NewGenerationRequest(2, "critical work", "phi3:mini", PriorityCritical, "tdd", "free")
	s.Submit(context.Background(), high)
	s.Submit(context.Background(), crit)

	// WHEN one drain pass runs
	s.DrainOnce()

	// THEN the critical request takes the only slot and the high request
	// stays queued
	if got := s.StatusOf(context.Background(), crit.ID).Status; got != StatusProcessing {
		t.Errorf("critical: got %s, want processing", got)
	}
	if got := s.StatusOf(context.Background(), high.ID).Status; got != StatusQueued {
		t.Errorf("high: got %s, want queued", got)
	}

	// Release and let both finish so no goroutine outlives the test.
	close(gen.gate)
	waitFor(t, func() bool {
		return s.StatusOf(context.Background(), crit.ID).Status == StatusCompleted
	}, "critical completion")
	s.DrainOnce()
	waitFor(t, func() bool {
		return s.StatusOf(context.Background(), high.ID).Status == StatusCompleted
	}, "high completion")
}

func TestScheduler_DrainOnce_BlockedLaneHeadStopsItsLane(t *testing.T) {
	// GIVEN a one-slot normal instance already occupied, and a normal
	// lane whose head targets that full instance while a later request
	// targets the idle fast instance
	topo := []InstanceConfig{
		{ID: InstancePriority, Endpoint: "http://p", Capacity: 1},
		{ID: InstanceNormal, Endpoint: "http://n", Capacity: 1},
		{ID: InstanceFast, Endpoint: "http://f", Capacity: 1},
	}
	gen := &fakeGen{gate: make(chan struct{})}
	s, _ := newTestScheduler(Config{Topology: topo}, gen)

	occupant := NewGenerationRequest(1, "long job A", "phi3:mini", PriorityNormal, "tdd", "free")
	blocked := NewGenerationRequest(2, "long job B", "phi3:mini", PriorityNormal, "tdd", "free")
	short := NewGenerationRequest(3, "short job", "phi3:mini", PriorityNormal, "tdd", "free")
	short.EstimatedDuration = 5 * time.Second // targets the fast instance

	s.Submit(context.Background(), occupant)
	s.DrainOnce()
	waitFor(t, func() bool { return s.ActiveCounts()[InstanceNormal] == 1 }, "occupant dispatch")
	s.Submit(context.Background(), blocked)
	s.Submit(context.Background(), short)

	// WHEN a drain pass runs
	s.DrainOnce()

	// THEN the lane stops at its blocked head: the short request is not
	// skipped ahead even though its fast instance is idle
	if got := s.ActiveCounts()[InstanceFast]; got != 0 {
		t.Errorf("fast instance active: got %d, want 0 (lane head blocks the lane)", got)
	}
	if got := s.StatusOf(context.Background(), short.ID).Status; got != StatusQueued {
		t.Errorf("short request: got %s, want queued", got)
	}

	// AND once the occupant finishes, the lane drains in order
	close(gen.gate)
	waitFor(t, func() bool {
		return s.StatusOf(context.Background(), occupant.ID).Status == StatusCompleted
	}, "occupant completion")
	s.DrainOnce()
	for _, id := range []string{blocked.ID, short.ID} {
		waitFor(t, func() bool {
			return s.StatusOf(context.Background(), id).Status == StatusCompleted
		}, "completion of "+id)
	}
}

func TestNewScheduler_PartialTopologyBackfillsMissingInstance(t *testing.T) {
	// GIVEN a topology that declares only the priority and fast
	// instances, and a request that classifies onto the undeclared
	// normal instance
	topo := []InstanceConfig{
		{ID: InstancePriority, Endpoint: "http://p", Capacity: 2},
		{ID: InstanceFast, Endpoint: "http://f", Capacity: 3},
	}
	gen := &fakeGen{output: "done"}
	s, _ := newTestScheduler(Config{Topology: topo}, gen)
	s.Start()
	defer s.Stop()

	req := NewGenerationRequest(1, "long-form work", "phi3:mini", PriorityNormal, "tdd", "free")
	if target := TargetInstance(req); target != InstanceNormal {
		t.Fatalf("setup: request targets %s, want %s", target, InstanceNormal)
	}

	// WHEN it is submitted
	if res := s.Submit(context.Background(), req); res.Status != StatusQueued {
		t.Fatalf("submit: got %s", res.Status)
	}

	// THEN it still reaches a terminal state instead of wedging behind a
	// zero-capacity slot, and the user's quota is released
	waitFor(t, func() bool {
		return s.StatusOf(context.Background(), req.ID).Status == StatusCompleted
	}, "completion on the backfilled instance")
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.userActive) == 0
	}, "quota release")
}

func TestScheduler_QuotaReleasedAfterCompletion(t *testing.T) {
	// GIVEN a free-tier user whose request completes
	gen := &fakeGen{output: "done"}
	s, _ := newTestScheduler(Config{}, gen)
	s.Start()
	defer s.Stop()

	req := NewGenerationRequest(5, "unique prompt one", "phi3:mini", PriorityNormal, "tdd", "free")
	s.Submit(context.Background(), req)
	waitFor(t, func() bool {
		return s.StatusOf(context.Background(), req.ID).Status == StatusCompleted
	}, "completion")
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.userActive) == 0
	}, "quota release")

	// THEN the user can fill their full quota again
	for i := 0; i < 3; i++ {
		next := NewGenerationRequest(5, "another unique prompt "+string(rune('a'+i)), "phi3:mini", PriorityNormal, "tdd", "free")
		res := s.Submit(context.Background(), next)
		if res.Status == StatusFailed {
			t.Fatalf("submit %d after release: rejected with %q", i, res.Payload)
		}
	}
}
