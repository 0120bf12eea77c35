// Package volume derives a speaking level from inbound assistant audio.
package volume

import (
	"encoding/binary"
	"math"
	"sync"
)

// defaultWindow holds 200ms of 24kHz mono PCM16.
const defaultWindow = 24000 * 2 / 5

// Analyser keeps a fixed-size window of the most recent PCM16 audio.
// When the window is full the oldest bytes are overwritten.
type Analyser struct {
	mu   sync.Mutex
	buf  []byte
	size int
	head int // write position
	tail int // read position
	full bool
}

// NewAnalyser creates an analyser holding at most size bytes.
func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = defaultWindow
	}
	if size%2 != 0 {
		size++
	}
	return &Analyser{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer.
func (a *Analyser) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, b := range p {
		if a.full {
			a.tail = (a.tail + 1) % a.size
		}
		a.buf[a.head] = b
		a.head = (a.head + 1) % a.size
		if a.head == a.tail {
			a.full = true
		}
	}
	return len(p), nil
}

func (a *Analyser) lenLocked() int {
	switch {
	case a.full:
		return a.size
	case a.head >= a.tail:
		return a.head - a.tail
	default:
		return (a.size - a.tail) + a.head
	}
}

// Level returns the RMS amplitude of the audio written since the previous call,
// normalized to [0,1], and empties the window. Silence yields 0.
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.lenLocked()
	if n < 2 {
		a.resetLocked()
		return 0
	}

	var sum float64
	samples := 0
	var pair [2]byte
	for i := 0; i+1 < n; i += 2 {
		pair[0] = a.buf[(a.tail+i)%a.size]
		pair[1] = a.buf[(a.tail+i+1)%a.size]
		v := float64(int16(binary.LittleEndian.Uint16(pair[:]))) / math.MaxInt16
		sum += v * v
		samples++
	}
	a.resetLocked()

	level := math.Sqrt(sum / float64(samples))
	if level > 1 {
		return 1
	}
	return level
}

// Len returns the number of buffered bytes.
func (a *Analyser) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lenLocked()
}

// Reset clears the window.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Analyser) resetLocked() {
	a.head = 0
	a.tail = 0
	a.full = false
}
