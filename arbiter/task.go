package arbiter

import "time"

// task is a functor queued for the arbiter goroutine. Tasks are pooled.
type task struct {
	f        func()
	seq      uint64
	enqueued time.Time
}

func newTask() *task {
	return &task{}
}

// queueWait is how long the task waited before it started running.
func (t *task) queueWait(started time.Time) time.Duration {
	return started.Sub(t.enqueued)
}

// scheduler goroutine
func (t *task) reset() {
	t.f = nil
	t.seq = 0
	t.enqueued = time.Time{}
}
