package concurrency

// taskQueue is a bounded FIFO ring of tasks. It is not safe for concurrent
// use: the executor guards it with the user mutex it hands to its pool.
type taskQueue struct {
	buf  []Task
	head int
	size int
}

// newTaskQueue creates a queue holding at most capacity tasks
func newTaskQueue(capacity int) *taskQueue {
	if capacity < 1 {
		capacity = 100 // Default capacity
	}
	return &taskQueue{buf: make([]Task, capacity)}
}

// push appends t, returns false if the queue is full (backpressure)
func (q *taskQueue) push(t Task) bool {
	if q.size == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.size)%len(q.buf)] = t
	q.size++
	return true
}

// pop removes the oldest task
func (q *taskQueue) pop() (Task, bool) {
	if q.size == 0 {
		return nil, false
	}
	t := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return t, true
}

// drain removes and returns every queued task in FIFO order
func (q *taskQueue) drain() []Task {
	out := make([]Task, 0, q.size)
	for {
		t, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

func (q *taskQueue) len() int { return q.size }

func (q *taskQueue) capacity() int { return len(q.buf) }

func (q *taskQueue) full() bool { return q.size == len(q.buf) }
