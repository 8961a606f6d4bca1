package processmgr

import "sync"

// logBuffer is a thread-safe ring of the last 500 stderr lines of one
// generator. It survives process restarts so crash loops stay diagnosable.
type logBuffer struct {
	entries [500]string
	head    int // next write position
	size    int
	full    bool
	mu      sync.RWMutex
}

// Append adds a line, overwriting the oldest once full.
func (b *logBuffer) Append(entry string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	const capN = len(b.entries)

	b.entries[b.head] = entry
	b.head = (b.head + 1) % capN

	if b.full {
		return
	}
	b.size++
	if b.size == capN {
		b.full = true
	}
}

// Read returns up to lines entries, newest first, in a fresh slice.
// lines <= 0 or beyond capacity returns everything available.
func (b *logBuffer) Read(lines int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	const capN = len(b.entries)
	if b.size == 0 {
		return nil
	}

	if lines <= 0 || lines > capN {
		lines = capN
	}
	n := b.size
	if n > lines {
		n = lines
	}

	var newest int
	if b.full {
		// head points at the oldest (next overwrite)
		newest = (b.head - 1 + capN) % capN
	} else {
		newest = b.size - 1
	}

	result := make([]string, n)
	for i := 0; i < n; i++ {
		result[i] = b.entries[(newest-i+capN)%capN]
	}
	return result
}
