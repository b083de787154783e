// Package contextbuf holds the per-speaker rolling machine-translation
// context: the last few committed sentences, used to give the MT service
// cross-sentence context without ever persisting transcript text to disk.
// Grounded on original_source's update_context_buffer in
// backend/agents/translator_worker.py.
package contextbuf

import (
	"strings"
	"sync"
)

// Window is one speaker's rolling context buffer. Safe for concurrent use;
// callers append committed sentences as the stabilizer confirms them and
// snapshot the buffer before each MT request.
type Window struct {
	mu          sync.Mutex
	sentences   []string
	sentenceCap int
	tokenCap    int
}

// New builds a Window bounded by sentenceCap sentences OR tokenCap
// whitespace-separated tokens, whichever is reached first — the original's
// `while len(buffer) > 3 or sum(len(s.split()) for s in buffer) > cap`
// eviction is an OR condition, not AND, confirmed against original_source
// and preserved here rather than "fixed" to AND.
func New(sentenceCap, tokenCap int) *Window {
	return &Window{sentenceCap: sentenceCap, tokenCap: tokenCap}
}

// Append adds a newly committed sentence and evicts from the front until
// both caps are satisfied.
func (w *Window) Append(sentence string) {
	sentence = strings.TrimSpace(sentence)
	if sentence == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sentences = append(w.sentences, sentence)
	for len(w.sentences) > w.sentenceCap || w.tokenCount() > w.tokenCap {
		if len(w.sentences) == 0 {
			break
		}
		w.sentences = w.sentences[1:]
	}
}

// tokenCount sums whitespace-split word counts across all buffered
// sentences. Must be called with w.mu held.
func (w *Window) tokenCount() int {
	total := 0
	for _, s := range w.sentences {
		total += len(strings.Fields(s))
	}
	return total
}

// Snapshot returns the buffered sentences joined by a single space, the flat
// context string passed to the MT service — matching the original's
// `" ".join(context_buffers[participant_id])`.
func (w *Window) Snapshot() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.sentences, " ")
}

// Len reports the number of sentences currently buffered.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sentences)
}

// Reset clears the buffer, used when a speaker's track is unsubscribed and
// later resubscribed under the same identity.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sentences = nil
}
