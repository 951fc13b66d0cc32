package bridge

// frameQueue is a bounded FIFO of converted caller audio waiting for the AI
// session. When full, push evicts the oldest frame.
type frameQueue struct {
	frames [][]byte
	head   int
	n      int
}

func newFrameQueue(capacity int) *frameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &frameQueue{frames: make([][]byte, capacity)}
}

// push appends payload and reports whether an older frame was dropped.
func (q *frameQueue) push(payload []byte) (dropped bool) {
	if q.n == len(q.frames) {
		q.frames[q.head] = nil
		q.head = (q.head + 1) % len(q.frames)
		q.n--
		dropped = true
	}
	q.frames[(q.head+q.n)%len(q.frames)] = payload
	q.n++
	return dropped
}

func (q *frameQueue) front() []byte {
	if q.n == 0 {
		return nil
	}
	return q.frames[q.head]
}

func (q *frameQueue) pop() {
	if q.n == 0 {
		return
	}
	q.frames[q.head] = nil
	q.head = (q.head + 1) % len(q.frames)
	q.n--
}

func (q *frameQueue) len() int { return q.n }
