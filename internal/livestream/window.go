package livestream

import "sort"

const (
	// DefaultWindowCap is the tracked-index count above which eviction runs.
	DefaultWindowCap = 1000
	// DefaultWindowEvict is how many of the smallest indices one eviction drops.
	DefaultWindowEvict = 500
)

// Window tracks which sequence indices have reached the sink. It is owned by
// the poll loop and is not safe for concurrent use.
type Window struct {
	indices map[int64]struct{}
	cap     int
	evict   int
}

// NewWindow returns a Window that drops the evict smallest indices once more
// than cap are tracked. Non-positive values select the defaults.
func NewWindow(cap, evict int) *Window {
	if cap <= 0 {
		cap = DefaultWindowCap
	}
	if evict <= 0 {
		evict = DefaultWindowEvict
	}
	return &Window{
		indices: make(map[int64]struct{}),
		cap:     cap,
		evict:   evict,
	}
}

// Contains reports whether index was marked and not yet evicted.
func (w *Window) Contains(index int64) bool {
	_, ok := w.indices[index]
	return ok
}

// Mark records index as emitted. Marking twice is a no-op.
func (w *Window) Mark(index int64) {
	w.indices[index] = struct{}{}
}

// Len returns the number of tracked indices.
func (w *Window) Len() int {
	return len(w.indices)
}

// EvictIfOversized drops the smallest indices when the window is over its
// cap and returns how many were removed.
func (w *Window) EvictIfOversized() int {
	if len(w.indices) <= w.cap {
		return 0
	}

	sequences := make([]int64, 0, len(w.indices))
	for seq := range w.indices {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	n := w.evict
	if n > len(sequences) {
		n = len(sequences)
	}
	for _, seq := range sequences[:n] {
		delete(w.indices, seq)
	}
	return n
}
