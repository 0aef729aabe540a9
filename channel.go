package dw4core

import "sync"

// NumChannels is the number of virtual-serial channels (component D, §3).
const NumChannels = 32

// DefaultChannelBufferSize bounds each channel's FIFO (§3: "typically
// ≤256 bytes").
const DefaultChannelBufferSize = 256

// channelFIFO is a bounded byte queue. Overflow policy is drop-newest:
// bytes that would exceed the bound are discarded so the ingress reader
// task never blocks (§4.D).
type channelFIFO struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
}

func newChannelFIFO(cap int) *channelFIFO {
	return &channelFIFO{buf: make([]byte, 0, cap), cap: cap}
}

// Enqueue appends b, dropping it silently if the FIFO is already full.
func (f *channelFIFO) Enqueue(b byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) >= f.cap {
		return
	}
	f.buf = append(f.buf, b)
}

// EnqueueAll appends as many bytes of p as fit, preserving order and
// dropping the newest bytes beyond the bound.
func (f *channelFIFO) EnqueueAll(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := f.cap - len(f.buf)
	if room <= 0 {
		return
	}
	if room > len(p) {
		room = len(p)
	}
	f.buf = append(f.buf, p[:room]...)
}

// Dequeue returns the oldest byte and true, or (0, false) if empty.
func (f *channelFIFO) Dequeue() (byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) == 0 {
		return 0, false
	}
	b := f.buf[0]
	f.buf = f.buf[1:]
	return b, true
}

func (f *channelFIFO) Empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf) == 0
}

// Clear drains the FIFO, used by close(chan) (§4.E).
func (f *channelFIFO) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = f.buf[:0]
}

// ChannelSet holds the 32 channel buffers (component D).
type ChannelSet struct {
	fifos [NumChannels]*channelFIFO
}

// NewChannelSet builds a ChannelSet with bufSize-bounded FIFOs.
func NewChannelSet(bufSize int) *ChannelSet {
	if bufSize <= 0 {
		bufSize = DefaultChannelBufferSize
	}
	cs := &ChannelSet{}
	for i := range cs.fifos {
		cs.fifos[i] = newChannelFIFO(bufSize)
	}
	return cs
}

// Enqueue appends b to channel ch's FIFO. Invalid channel indices are a
// silent no-op (callers validate range before reaching here).
func (cs *ChannelSet) Enqueue(ch int, b byte) {
	if ch < 0 || ch >= NumChannels {
		return
	}
	cs.fifos[ch].Enqueue(b)
}

// EnqueueAll appends p to channel ch's FIFO, dropping newest bytes that
// overflow the bound.
func (cs *ChannelSet) EnqueueAll(ch int, p []byte) {
	if ch < 0 || ch >= NumChannels {
		return
	}
	cs.fifos[ch].EnqueueAll(p)
}

// Dequeue pops the oldest byte of channel ch.
func (cs *ChannelSet) Dequeue(ch int) (byte, bool) {
	if ch < 0 || ch >= NumChannels {
		return 0, false
	}
	return cs.fifos[ch].Dequeue()
}

// Clear empties channel ch's FIFO (used by close(chan), §4.E).
func (cs *ChannelSet) Clear(ch int) {
	if ch < 0 || ch >= NumChannels {
		return
	}
	cs.fifos[ch].Clear()
}

// FirstNonEmpty scans channels in ascending order and returns the index
// of, and dequeues one byte from, the first non-empty FIFO. Returns
// (-1, 0, false) if every channel is empty. This implements the
// deterministic SERREAD scan (§4.G, §5): ascending index, first
// non-empty wins, higher channels may starve by design.
func (cs *ChannelSet) FirstNonEmpty() (ch int, b byte, ok bool) {
	for i := 0; i < NumChannels; i++ {
		if v, found := cs.fifos[i].Dequeue(); found {
			return i, v, true
		}
	}
	return -1, 0, false
}
