package audio

import (
	"sync"
	"time"
)

// FrameDuration is the cadence at which the mixer emits mixed output.
const FrameDuration = 20 * time.Millisecond

// Mixer combines per-speaker PCM into a single mixed stream for broadcast.
// Sources are keyed by user ID; pushed audio is queued per source and summed
// (with clamping) one frame at a time by a background dispatch goroutine.
//
// All exported methods are safe for concurrent use.
type Mixer struct {
	output     func([]byte)
	frameBytes int

	mu      sync.Mutex
	sources map[string][]byte
	closed  bool

	done chan struct{}
}

// NewMixer creates a Mixer emitting interleaved little-endian 16-bit PCM at
// the given rate and channel count to output. output is called sequentially
// from the dispatch goroutine and must not block for long.
func NewMixer(sampleRate, channels int, output func([]byte)) *Mixer {
	m := &Mixer{
		output:     output,
		frameBytes: sampleRate / 50 * channels * 2, // one 20ms frame
		sources:    make(map[string][]byte),
		done:       make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// AddSource registers a speaker. Adding an existing source is a no-op.
func (m *Mixer) AddSource(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[userID]; !ok {
		m.sources[userID] = nil
	}
}

// RemoveSource drops a speaker and any audio still queued for it.
func (m *Mixer) RemoveSource(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, userID)
}

// PushToSource queues decoded PCM for a registered speaker. Audio pushed for
// an unregistered source is dropped.
func (m *Mixer) PushToSource(userID string, pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.sources[userID]; ok {
		m.sources[userID] = append(buf, pcm...)
	}
}

// Close stops the dispatch goroutine. Subsequent pushes are dropped.
func (m *Mixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

func (m *Mixer) dispatch() {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if frame := m.mixFrame(); frame != nil {
				m.output(frame)
			}
		}
	}
}

// mixFrame takes up to one frame from every source with queued audio and sums
// them sample by sample. Returns nil when no source had audio queued.
func (m *Mixer) mixFrame() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var heads [][]byte
	for id, buf := range m.sources {
		if len(buf) == 0 {
			continue
		}
		n := m.frameBytes
		if n > len(buf) {
			n = len(buf)
		}
		heads = append(heads, buf[:n])
		m.sources[id] = buf[n:]
	}
	if len(heads) == 0 {
		return nil
	}

	mixed := make([]byte, m.frameBytes)
	for i := 0; i+1 < m.frameBytes; i += 2 {
		var sum int32
		for _, head := range heads {
			if i+1 < len(head) {
				sum += int32(int16(head[i]) | int16(head[i+1])<<8)
			}
		}
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		mixed[i] = byte(sum)
		mixed[i+1] = byte(sum >> 8)
	}
	return mixed
}
