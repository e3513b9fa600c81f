package replay

type block uint64

const (
	blockBitLog = 6
	blockBits   = 1 << blockBitLog
	ringBlocks  = 1 << 2
	windowSize  = (ringBlocks - 1) * blockBits
	blockMask   = ringBlocks - 1
	bitMask     = blockBits - 1
)

// WindowSize is the number of sequences behind the maximum that are still
// tracked. Anything further behind is always rejected.
const WindowSize = windowSize

// Window tracks recently seen sequence numbers for one peer.
// The zero value is ready for use. Not safe for concurrent use.
type Window struct {
	last    uint64
	started bool
	ring    [ringBlocks]block
}

// Reset clears the window state.
func (w *Window) Reset() {
	w.last = 0
	w.started = false
	w.ring = [ringBlocks]block{}
}

// Max returns the highest sequence committed so far.
func (w *Window) Max() uint64 {
	return w.last
}

// CullDuplicate reports whether sequence must be rejected, either because it
// falls behind the window or because it was already committed. It does not
// modify the window.
func (w *Window) CullDuplicate(sequence uint64) bool {
	if !w.started {
		return false
	}
	if sequence > w.last {
		return false
	}
	if w.last-sequence >= windowSize {
		return true
	}
	indexBlock := (sequence >> blockBitLog) & blockMask
	indexBit := sequence & bitMask
	return w.ring[indexBlock]&(1<<indexBit) != 0
}

// Update commits sequence as seen, sliding the window forward when it
// exceeds the current maximum. Callers check CullDuplicate first.
func (w *Window) Update(sequence uint64) {
	indexBlock := sequence >> blockBitLog
	if !w.started {
		w.started = true
		w.last = sequence
	} else if sequence > w.last {
		current := w.last >> blockBitLog
		diff := indexBlock - current
		if diff > ringBlocks {
			diff = ringBlocks
		}
		for i := current + 1; i <= current+diff; i++ {
			w.ring[i&blockMask] = 0
		}
		w.last = sequence
	} else if w.last-sequence >= windowSize {
		return
	}
	w.ring[indexBlock&blockMask] |= 1 << (sequence & bitMask)
}
