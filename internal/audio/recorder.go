package audio

import "sync"

// Recorder accumulates the PCM of a whole session, keeping at most maxBytes of
// the most recent audio.
type Recorder struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	trimmed  bool
}

func NewRecorder(maxBytes int) *Recorder {
	return &Recorder{maxBytes: maxBytes}
}

// Write appends a chunk's PCM. Chunks that fail to decode are ignored.
func (r *Recorder) Write(c Chunk) {
	pcm, err := RawPCM(c)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, pcm...)
	if r.maxBytes > 0 && len(r.data) > r.maxBytes {
		over := len(r.data) - r.maxBytes
		over += over % 2
		r.data = append([]byte(nil), r.data[over:]...)
		r.trimmed = true
	}
}

// Bytes returns a copy of the recorded PCM.
func (r *Recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data...)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// Trimmed reports whether older audio was discarded to respect the size cap.
func (r *Recorder) Trimmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trimmed
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = nil
	r.trimmed = false
}
