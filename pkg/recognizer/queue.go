package recognizer

// audioQueue is the FIFO of base64 audio payloads waiting for a Continue
// frame. It is bounded by the total encoded size.
type audioQueue struct {
	items []string
	size  int
	limit int
}

func newAudioQueue(limit int) *audioQueue {
	return &audioQueue{limit: limit}
}

// push appends payload, reporting false when it would exceed the limit.
func (q *audioQueue) push(payload string) bool {
	if q.limit > 0 && q.size+len(payload) > q.limit {
		return false
	}
	q.items = append(q.items, payload)
	q.size += len(payload)
	return true
}

func (q *audioQueue) pop() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	payload := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	q.size -= len(payload)
	return payload, true
}

func (q *audioQueue) len() int { return len(q.items) }

func (q *audioQueue) reset() {
	q.items = nil
	q.size = 0
}
