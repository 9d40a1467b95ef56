package engine

import (
	"context"
)

// lane is the FIFO job queue of one note identifier.
type lane struct {
	queue []func()
}

// enqueue appends fn to id's lane and starts a drainer if the lane was idle.
// It never blocks on the job itself.
func (e *Engine) enqueue(id string, fn func()) {
	e.active.Add(1)
	e.lanesMu.Lock()
	l, ok := e.lanes[id]
	if !ok {
		l = &lane{}
		e.lanes[id] = l
	}
	l.queue = append(l.queue, fn)
	e.lanesMu.Unlock()
	if !ok {
		go e.drain(id, l)
	}
}

// submit runs fn on id's lane and waits for its result. If ctx ends first the
// caller stops waiting but the job still runs in order.
func (e *Engine) submit(ctx context.Context, id string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	e.enqueue(id, func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs the jobs of one lane until the queue is empty, then retires the
// lane. Each job holds the gate for reading and one worker slot.
func (e *Engine) drain(id string, l *lane) {
	_ = e.sem.Acquire(context.Background(), 1)
	defer e.sem.Release(1)

	for {
		e.lanesMu.Lock()
		if len(l.queue) == 0 {
			delete(e.lanes, id)
			e.lanesMu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		e.lanesMu.Unlock()

		e.gate.RLock()
		fn()
		e.gate.RUnlock()
		e.active.Done()
	}
}
