package switcher

import "sync"

// Tube is the bounded per-source packet buffer between a source reader and
// the forwarding proxy. Overflow drops the oldest packet and counts it; a
// push never blocks the reader.
//
// Safe for one producer and one consumer (or more; all ops take the lock).
type Tube struct {
	mu    sync.Mutex
	slots [][]byte // ring; slot backing arrays are reused across laps
	head  int      // index of the oldest packet
	size  int
	drops uint64
}

// NewTube returns a Tube holding at most capacity packets.
func NewTube(capacity int) *Tube {
	if capacity < 1 {
		capacity = 1
	}
	return &Tube{slots: make([][]byte, capacity)}
}

// Push copies pkt into the tube. When full, the oldest packet is dropped.
func (t *Tube) Push(pkt []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := (t.head + t.size) % len(t.slots)
	if t.size == len(t.slots) {
		// Overwrite the oldest slot and advance head.
		idx = t.head
		t.head = (t.head + 1) % len(t.slots)
		t.drops++
	} else {
		t.size++
	}
	t.slots[idx] = append(t.slots[idx][:0], pkt...)
}

// Pop copies the oldest packet into dst[:0] and returns it. ok is false when
// the tube is empty. Callers reuse dst across calls to avoid allocating.
func (t *Tube) Pop(dst []byte) (pkt []byte, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size == 0 {
		return dst[:0], false
	}
	pkt = append(dst[:0], t.slots[t.head]...)
	t.head = (t.head + 1) % len(t.slots)
	t.size--
	return pkt, true
}

// Len returns the number of buffered packets.
func (t *Tube) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Clear discards all buffered packets and returns how many were dropped.
func (t *Tube) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.size
	t.head = 0
	t.size = 0
	return n
}

// Drops returns the cumulative overflow drop count.
func (t *Tube) Drops() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drops
}
