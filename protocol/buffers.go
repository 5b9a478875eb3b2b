package protocol

// InputBuffer is the receive side seen by Transport.Receive: a contiguous
// view of unconsumed bytes
type InputBuffer interface {
	Data() []byte
	Available() int
	Pop(n int)
}

// OutputBuffer collects encoded bytes
type OutputBuffer interface {
	Output(data []byte)
}

// ScratchOutput is a bounded OutputBuffer for encoding one payload. Bytes
// past its limit are dropped and reported by Overflow.
type ScratchOutput struct {
	buf      []byte
	overflow bool
}

// NewScratchOutput creates an empty scratch buffer
func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{buf: make([]byte, 0, MessageLengthMax)}
}

func (s *ScratchOutput) Output(data []byte) {
	room := scratchSize - len(s.buf)
	if len(data) > room {
		data = data[:room]
		s.overflow = true
	}
	s.buf = append(s.buf, data...)
}

// Result returns the bytes written so far. The slice is reused after Reset.
func (s *ScratchOutput) Result() []byte { return s.buf }

// Len returns the number of bytes kept
func (s *ScratchOutput) Len() int { return len(s.buf) }

// Overflow reports whether any write was cut short since the last Reset
func (s *ScratchOutput) Overflow() bool { return s.overflow }

func (s *ScratchOutput) Reset() {
	s.buf = s.buf[:0]
	s.overflow = false
}

// ReceiveBuffer accumulates bytes read from a port until whole frames can
// be parsed. Consumed bytes are dropped from the front.
type ReceiveBuffer struct {
	buf []byte
	max int
}

// NewReceiveBuffer creates a buffer holding at most capacity bytes
func NewReceiveBuffer(capacity int) *ReceiveBuffer {
	return &ReceiveBuffer{buf: make([]byte, 0, capacity), max: capacity}
}

// Write appends as much of data as fits and returns the count kept
func (r *ReceiveBuffer) Write(data []byte) int {
	n := min(len(data), r.max-len(r.buf))
	r.buf = append(r.buf, data[:n]...)
	return n
}

// Data returns the unconsumed bytes; valid until the next Write or Pop
func (r *ReceiveBuffer) Data() []byte { return r.buf }

func (r *ReceiveBuffer) Available() int { return len(r.buf) }

func (r *ReceiveBuffer) Pop(n int) {
	if n >= len(r.buf) {
		r.buf = r.buf[:0]
		return
	}
	r.buf = r.buf[:copy(r.buf, r.buf[n:])]
}

func (r *ReceiveBuffer) Reset() { r.buf = r.buf[:0] }
