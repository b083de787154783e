package pipeline

import (
	"context"
	"sync"

	"github.com/nasr-live/translate-worker/internal/contextbuf"
	"github.com/nasr-live/translate-worker/internal/stabilizer"
)

// speakerWindowQueueSize bounds how many gated windows may be queued ahead
// of the single serial consumer for one speaker before IngestChunk starts
// dropping — a speaker whose consumer is this far behind is not going to
// catch up, so queuing further would only grow unbounded memory and delay.
const speakerWindowQueueSize = 8

// speaker holds one participant's per-speaker pipeline state: the chunk
// gate, the LocalAgreement-2 stabilizer, the rolling MT context, and one
// orderedPublisher per target language to enforce commit-order publish.
// Mirrors the teacher's per-speaker entry in aws.Pipeline.speakerStreams,
// generalized beyond a single AWS stream handle.
//
// Gated windows are handed to a single serial consumer goroutine via
// windows (see Pipeline.consumeWindows) rather than processed in a fresh
// goroutine per window: STT completion order otherwise determined publish
// order and LocalAgreement-2 comparison order, instead of gate order.
type speaker struct {
	id         string
	sourceLang string // best current guess; updated from each STT result

	ctx    context.Context
	cancel context.CancelFunc

	chunker    *chunker
	stab       *stabilizer.Stabilizer
	contextWin *contextbuf.Window
	windows    chan []AudioChunk

	mu         sync.Mutex
	publishers map[string]*orderedPublisher
	nextSeq    int64
}

func newSpeaker(parent context.Context, id string, gateMs float64, sentenceCap, tokenCap int) *speaker {
	ctx, cancel := context.WithCancel(parent)
	return &speaker{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		chunker:    newChunker(gateMs),
		stab:       stabilizer.New(),
		contextWin: contextbuf.New(sentenceCap, tokenCap),
		windows:    make(chan []AudioChunk, speakerWindowQueueSize),
		publishers: make(map[string]*orderedPublisher),
	}
}

// publisherFor returns (creating if needed) the ordered publisher for one
// target language.
func (s *speaker) publisherFor(lang string) *orderedPublisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.publishers[lang]
	if !ok {
		p = newOrderedPublisher()
		s.publishers[lang] = p
	}
	return p
}

// nextSequence assigns the next commit sequence number, shared across every
// target language fanned out from the same committed prefix.
func (s *speaker) nextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

func (s *speaker) close() {
	s.cancel()
	s.contextWin.Reset()
}
