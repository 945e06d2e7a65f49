package audio

import "sync"

// LiveAudio is a growable sample buffer shared by one producer and one
// consumer. The producer appends and eventually signals end of stream; the
// consumer drains everything pushed so far, tracking a global sample offset
// so the buffer never holds more than one undrained batch.
type LiveAudio struct {
	mu      sync.Mutex
	cond    *sync.Cond
	samples []float32
	offset  int64 // global index of samples[0]
	eof     bool
}

func NewLiveAudio() *LiveAudio {
	la := &LiveAudio{}
	la.cond = sync.NewCond(&la.mu)
	return la
}

// Push appends samples and wakes the consumer.
func (la *LiveAudio) Push(x []float32) {
	if len(x) == 0 {
		return
	}
	la.mu.Lock()
	la.samples = append(la.samples, x...)
	la.cond.Broadcast()
	la.mu.Unlock()
}

// PushS16 appends 16-bit samples.
func (la *LiveAudio) PushS16(x []int16) {
	if len(x) == 0 {
		return
	}
	la.Push(Int16ToFloat(make([]float32, 0, len(x)), x))
}

// SignalEOF marks the end of the stream. Further pushes are still accepted
// until the consumer drains past them.
func (la *LiveAudio) SignalEOF() {
	la.mu.Lock()
	la.eof = true
	la.cond.Broadcast()
	la.mu.Unlock()
}

// Reset empties the buffer and clears the offset and end-of-stream flag so
// the buffer can serve a new session.
func (la *LiveAudio) Reset() {
	la.mu.Lock()
	la.samples = la.samples[:0]
	la.offset = 0
	la.eof = false
	la.mu.Unlock()
}

// Total is the number of samples pushed since the last Reset.
func (la *LiveAudio) Total() int64 {
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.offset + int64(len(la.samples))
}

// EOF reports whether end of stream has been signaled.
func (la *LiveAudio) EOF() bool {
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.eof
}

// Drain blocks until at least want samples have been pushed in total or
// end of stream is signaled, then hands over every undrained sample. start
// is the global index of the first returned sample.
func (la *LiveAudio) Drain(want int64) (x []float32, start int64, eof bool) {
	la.mu.Lock()
	defer la.mu.Unlock()
	for la.offset+int64(len(la.samples)) < want && !la.eof {
		la.cond.Wait()
	}
	start = la.offset
	if len(la.samples) > 0 {
		x = make([]float32, len(la.samples))
		copy(x, la.samples)
	}
	la.offset += int64(len(la.samples))
	la.samples = la.samples[:0]
	return x, start, la.eof
}
