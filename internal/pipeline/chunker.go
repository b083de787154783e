package pipeline

import "sync"

// chunker implements spec §4.4 steps 1-2: buffer inbound AudioChunks for one
// speaker and gate them into one contiguous window once enough audio has
// accumulated.
type chunker struct {
	mu           sync.Mutex
	queue        []AudioChunk
	totalMs      float64
	gateMs       float64
}

func newChunker(gateMs float64) *chunker {
	return &chunker{gateMs: gateMs}
}

// Append adds chunk to the queue and, if the gate threshold is reached,
// drains and returns the accumulated window along with ok=true. Otherwise
// it returns ok=false and the caller awaits more chunks.
func (c *chunker) Append(chunk AudioChunk) (window []AudioChunk, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = append(c.queue, chunk)
	c.totalMs += chunk.DurationMs()

	if c.totalMs < c.gateMs {
		return nil, false
	}

	window = c.queue
	c.queue = nil
	c.totalMs = 0
	return window, true
}

// concatenate merges a window of chunks into one sample slice, assuming a
// uniform sample rate (the room adapter tags every chunk with its decoder's
// fixed output rate; the rate is not checked here).
func concatenate(window []AudioChunk) []int16 {
	total := 0
	for _, c := range window {
		total += len(c.Samples)
	}
	out := make([]int16, 0, total)
	for _, c := range window {
		out = append(out, c.Samples...)
	}
	return out
}
