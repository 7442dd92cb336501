package sched

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// GenerationTimeout bounds one end-to-end generation call.
const GenerationTimeout = 300 * time.Second

// run is the dispatcher loop: a single goroutine consuming coalesced
// drain signals. Completion events re-signal rather than recursing, so
// concurrent drain passes never race on lane state.
func (s *Scheduler) run() {
	defer s.loopWG.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.drainCh:
			s.DrainOnce()
		}
	}
}

// DrainOnce performs one drain pass: lanes are walked strictly in
// priority order, and within a lane the head request is dispatched
// while its target instance has spare capacity.
//
// When the head's target instance is full the whole lane stops draining
// and the pass moves to the next lane; requests deeper in the lane are
// not skipped ahead, and lower lanes targeting the same instance stay
// starved behind a congested higher lane. That strictness is the
// intended trade-off: priority order beats throughput fairness here.
func (s *Scheduler) DrainOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, prio := range prioritiesDesc {
		lane := s.lanes[prio]
		for {
			req := lane.Peek()
			if req == nil {
				break
			}
			target := TargetInstance(req)
			if len(s.active[target]) >= s.capacity[target] {
				break // instance full; try the next lane
			}
			lane.Dequeue()
			s.active[target][req.ID] = req

			logrus.Infof("dispatching request %s to %s instance", req.ID, target)
			s.execWG.Add(1)
			go s.execute(req, target)
		}
	}
}

// execute runs one dispatched request to its terminal state: stream the
// generation, cache the text, record the outcome, release the slot, and
// wake the dispatcher so freed capacity is reused immediately.
//
// There is no cancellation path: a caller that stopped polling does not
// stop execution, and the result still lands in cache and result store.
func (s *Scheduler) execute(req *GenerationRequest, target InstanceID) {
	defer s.execWG.Done()
	start := s.now()

	ctx, cancel := context.WithTimeout(context.Background(), GenerationTimeout)
	defer cancel()

	endpoint := s.health.Endpoint(target)

	var text strings.Builder
	err := s.gen.StreamGenerate(ctx, endpoint, req.Prompt, req.Model, req.System, func(token string) {
		text.WriteString(token)
	})

	if err != nil {
		logrus.Errorf("generation failed for request %s on %s: %v", req.ID, target, err)
		s.health.MarkUnhealthy(target)
		s.storeResult(req.ID, err.Error(), StatusFailed)
	} else {
		result := text.String()
		if cacheErr := s.cache.SetTTL(ctx, cacheKey(req.Fingerprint), result, CacheTTL); cacheErr != nil {
			logrus.Warnf("failed to cache result for %s: %v", req.ID, cacheErr)
		}
		s.storeResult(req.ID, result, StatusCompleted)
		elapsed := s.now().Sub(start)
		s.mu.Lock()
		s.metrics.observeWait(elapsed.Seconds())
		s.mu.Unlock()
		logrus.Infof("completed request %s in %s", req.ID, elapsed)
	}

	s.mu.Lock()
	delete(s.active[target], req.ID)
	if s.userActive[req.UserID] > 1 {
		s.userActive[req.UserID]--
	} else {
		delete(s.userActive, req.UserID)
	}
	s.mu.Unlock()

	s.signalDrain()
}

// storeResult writes the terminal result and status records. Store
// failures are logged and swallowed: the store is an optimization, not
// correctness-critical to delivering the current response.
func (s *Scheduler) storeResult(requestID, payload string, status Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.results.SetTTL(ctx, resultKey(requestID), payload, ResultTTL); err != nil {
		logrus.Warnf("failed to store result for %s: %v", requestID, err)
	}
	if err := s.results.SetTTL(ctx, statusKey(requestID), string(status), ResultTTL); err != nil {
		logrus.Warnf("failed to store status for %s: %v", requestID, err)
	}
}
