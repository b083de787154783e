// Package stabilizer implements LocalAgreement-2 streaming stabilization:
// turning a sequence of overlapping, partially-retracted STT hypotheses into
// a monotonically growing sequence of committed words plus a tentative tail
// of words not yet agreed upon. There is no teacher or original_source
// analog for this algorithm — the original Python worker feeds STT output
// straight to MT with no stabilization step — so this package is written
// fresh, in the surrounding codebase's idiom: small mutex-guarded struct,
// exported methods returning plain values, no channels.
package stabilizer

import (
	"strings"
	"sync"
)

// Result is returned from Feed: the words newly committed by this
// hypothesis (possibly empty), and the current tentative tail.
type Result struct {
	Committed []string
	Tentative []string
	// ForcedFinalize is true when a language switch forced the prior
	// window closed before this hypothesis was processed.
	ForcedFinalize bool
}

// Stabilizer holds one speaker's active-utterance stabilization state.
// Every method takes s.mu, so concurrent calls are safe; hypotheses are
// compared in the order Feed is called, so the pipeline feeds it serially
// from the speaker's own processing goroutine.
type Stabilizer struct {
	mu sync.Mutex

	committed    []string
	h1, h2       []string
	detectedLang string

	// tentativeSeen maps a word offset to the last tentative text shown at
	// that offset, used to compute the retraction rate: a tentative word
	// replaced by a different word at the same offset, or an offset whose
	// final committed text differs from (or never reaches) what was last
	// shown tentatively, counts as a retraction.
	tentativeSeen   map[int]string
	totalTentative  int
	totalRetracted  int
}

// New returns an empty Stabilizer ready to receive hypotheses for one
// speaker.
func New() *Stabilizer {
	return &Stabilizer{tentativeSeen: make(map[int]string)}
}

// Feed processes one STT hypothesis. hypothesis is the full current-best
// transcript for the active utterance (not a delta); detectedLanguage is the
// STT result's detected language for this hypothesis; isFinal mirrors the
// STT service's is_final flag.
func (s *Stabilizer) Feed(hypothesis, detectedLanguage string, isFinal bool) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	words := tokenize(hypothesis)

	if len(words) == 0 {
		s.resetWindowLocked()
		return Result{}
	}

	var forced bool
	if s.detectedLang != "" && detectedLanguage != "" && detectedLanguage != s.detectedLang {
		// Language switch mid-utterance: finalize everything pending in the
		// prior window, then start a fresh one with this hypothesis.
		s.commitTailLocked()
		s.resetWindowLocked()
		forced = true
	}
	s.detectedLang = detectedLanguage

	s.h1 = s.h2
	s.h2 = words

	var newlyCommitted []string
	if s.h1 == nil {
		// First hypothesis in the window: nothing to agree against yet.
		s.recordTentativeLocked(s.h2[len(s.committed):])
	} else {
		prefixLen := commonPrefixLen(s.h1, s.h2)
		if prefixLen > len(s.committed) {
			newlyCommitted = append([]string(nil), s.h2[len(s.committed):prefixLen]...)
			s.committed = append(s.committed, newlyCommitted...)
		}
		s.recordTentativeLocked(s.h2[len(s.committed):])
	}

	tentative := append([]string(nil), s.h2[len(s.committed):]...)

	if isFinal {
		finalWords := s.commitTailLocked()
		newlyCommitted = append(newlyCommitted, finalWords...)
		tentative = nil
		s.resetWindowLocked()
	}

	return Result{Committed: newlyCommitted, Tentative: tentative, ForcedFinalize: forced}
}

// commitTailLocked commits every word still in h2 beyond the committed
// prefix (used on is_final and on forced language-switch finalization).
// Must be called with s.mu held. Does not reset state.
func (s *Stabilizer) commitTailLocked() []string {
	if s.h2 == nil || len(s.h2) <= len(s.committed) {
		return nil
	}
	tail := append([]string(nil), s.h2[len(s.committed):]...)
	s.committed = append(s.committed, tail...)
	return tail
}

// recordTentativeLocked updates the retraction-tracking map for the words
// currently shown tentatively starting at offset len(s.committed). Must be
// called with s.mu held, after s.committed has already been updated for
// this Feed call.
func (s *Stabilizer) recordTentativeLocked(tail []string) {
	base := len(s.committed)
	for i, w := range tail {
		idx := base + i
		if prev, seen := s.tentativeSeen[idx]; !seen {
			s.totalTentative++
		} else if !strings.EqualFold(prev, w) {
			// The word shown earlier at this offset was replaced before it
			// was committed: it is retracted, and w is a new tentative word.
			s.totalRetracted++
			s.totalTentative++
		}
		s.tentativeSeen[idx] = w
	}
}

// resetWindowLocked reconciles the retraction tracker against final
// committed text, then clears per-utterance state so the next utterance
// starts clean. Must be called with s.mu held.
func (s *Stabilizer) resetWindowLocked() {
	for idx, seenWord := range s.tentativeSeen {
		if idx >= len(s.committed) || !strings.EqualFold(s.committed[idx], seenWord) {
			s.totalRetracted++
		}
	}
	s.tentativeSeen = make(map[int]string)
	s.committed = nil
	s.h1 = nil
	s.h2 = nil
	s.detectedLang = ""
}

// RetractionRate returns (words shown tentatively that never matched final
// committed output) / (total tentative words ever shown), across the
// lifetime of this Stabilizer. Returns 0 if no tentative words have been
// shown yet.
func (s *Stabilizer) RetractionRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalTentative == 0 {
		return 0
	}
	return float64(s.totalRetracted) / float64(s.totalTentative)
}

// commonPrefixLen returns the length of the longest common prefix of a and
// b, compared case-insensitively with punctuation preserved (i.e. no
// normalization beyond case-folding).
func commonPrefixLen(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && strings.EqualFold(a[i], b[i]) {
		i++
	}
	return i
}

func tokenize(s string) []string {
	return strings.Fields(s)
}
