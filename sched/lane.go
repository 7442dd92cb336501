package sched

// Lane is one priority level's FIFO queue of pending requests.
// All mutation happens under the owning Scheduler's lock; Lane itself
// performs no synchronization.
type Lane struct {
	queue []*GenerationRequest
}

// Enqueue appends a request to the back of the lane.
func (l *Lane) Enqueue(r *GenerationRequest) {
	l.queue = append(l.queue, r)
}

// Peek returns the request at the front of the lane without removing it.
// Returns nil if the lane is empty.
func (l *Lane) Peek() *GenerationRequest {
	if len(l.queue) == 0 {
		return nil
	}
	return l.queue[0]
}

// Dequeue removes and returns the front request, or nil if empty.
func (l *Lane) Dequeue() *GenerationRequest {
	if len(l.queue) == 0 {
		return nil
	}
	r := l.queue[0]
	l.queue = l.queue[1:]
	return r
}

// Len returns the number of queued requests.
func (l *Lane) Len() int {
	return len(l.queue)
}

// IndexOf returns the zero-based position of the request with the given
// ID within this lane, or -1 if it is not queued here.
func (l *Lane) IndexOf(id string) int {
	for i, r := range l.queue {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Remove deletes the request with the given ID from the lane, preserving
// FIFO order of the remainder. Returns the removed request or nil.
func (l *Lane) Remove(id string) *GenerationRequest {
	for i, r := range l.queue {
		if r.ID == id {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return r
		}
	}
	return nil
}
