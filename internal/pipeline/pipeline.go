package pipeline

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nasr-live/translate-worker/internal/config"
	"github.com/nasr-live/translate-worker/internal/tracer"
	"github.com/nasr-live/translate-worker/internal/transport"
	"github.com/nasr-live/translate-worker/internal/workerpool"
)

// Soft/hard timeouts per spec §5. A soft timeout only records a warning
// span attribute; a hard timeout cancels the call and fails the subtask.
const (
	sttSoftTimeout = 5 * time.Second
	sttHardTimeout = 10 * time.Second
	mtSoftTimeout  = 2 * time.Second
	mtHardTimeout  = 10 * time.Second
	ttsSoftTimeout = 5 * time.Second
	ttsHardTimeout = 15 * time.Second
)

// sentenceBoundary matches the terminal punctuation the context buffer
// segments committed text on.
var sentenceBoundary = regexp.MustCompile(`(?:[.!?]+)(?:\s+|$)`)

// Clients groups the three shared transport connections a Pipeline calls
// into — one instance per process, per spec §5 ("transport connections are
// shared across every speaker").
type Clients struct {
	STT *transport.STTClient
	MT  *transport.MTClient
	TTS *transport.TTSClient
}

// Pipeline runs the per-speaker chunk→STT→stabilize→fan-out→publish flow
// for every subscribed track in one room. Directly descended from the
// teacher's aws.Pipeline: the backpressure flag, the per-speaker map +
// mutex, and the worker-pool-bounded fan-out are the same shapes, with AWS
// service calls replaced by the transport package's websocket clients.
type Pipeline struct {
	cfg     *config.Config
	clients *Clients
	tracer  *tracer.Tracer
	output  OutputPublisher
	cache   *synthCache

	mtPool  *workerpool.Pool
	ttsPool *workerpool.Pool

	mu       sync.RWMutex
	speakers map[string]*speaker

	backpressure int32

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Pipeline. ctx governs the lifetime of every background
// goroutine the pipeline spawns; cancelling it (or calling Close) tears down
// every active speaker.
func New(ctx context.Context, cfg *config.Config, clients *Clients, tr *tracer.Tracer, output OutputPublisher) *Pipeline {
	pctx, cancel := context.WithCancel(ctx)
	return &Pipeline{
		cfg:      cfg,
		clients:  clients,
		tracer:   tr,
		output:   output,
		cache:    newSynthCache(2*time.Minute, 30*time.Second),
		mtPool:   workerpool.New(pctx, "mt-fanout", cfg.MaxConcurrentMT, 256),
		ttsPool:  workerpool.New(pctx, "tts-fanout", cfg.MaxConcurrentTTS, 256),
		speakers: make(map[string]*speaker),
		ctx:      pctx,
		cancel:   cancel,
	}
}

// SetOutput assigns the publisher every fan-out result is delivered to.
// Split from New because the room adapter (the usual OutputPublisher)
// itself needs a constructed Pipeline to forward inbound audio into,
// creating a one-step initialization order: New, then room.New, then
// SetOutput.
func (p *Pipeline) SetOutput(output OutputPublisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = output
}

func (p *Pipeline) outputPublisher() OutputPublisher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.output
}

// Close tears down every active speaker and both fan-out worker pools.
func (p *Pipeline) Close() {
	p.cancel()

	p.mu.Lock()
	speakers := make([]*speaker, 0, len(p.speakers))
	for id, spk := range p.speakers {
		speakers = append(speakers, spk)
		delete(p.speakers, id)
	}
	p.mu.Unlock()

	for _, spk := range speakers {
		spk.close()
	}

	p.mtPool.Close()
	p.ttsPool.Close()
	p.cache.Close()
}

// AddSpeaker allocates per-speaker pipeline state. Called by the supervisor
// on the first audio-track-subscribed event for a participant.
func (p *Pipeline) AddSpeaker(speakerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.speakers[speakerID]; exists {
		return
	}
	spk := newSpeaker(p.ctx, speakerID, float64(p.cfg.ChunkDuration.Milliseconds()), p.cfg.ContextSentenceCap, p.cfg.ContextTokenCap)
	p.speakers[speakerID] = spk
	go p.consumeWindows(spk)
	log.Printf("[pipeline] speaker %s added", speakerID)
}

// RemoveSpeaker cancels the speaker's pipeline (any in-flight RPCs complete
// or time out normally; their results are discarded on publish) and
// destroys its state, per spec §4.7's on-participant-left rule.
func (p *Pipeline) RemoveSpeaker(speakerID string) {
	p.mu.Lock()
	spk, ok := p.speakers[speakerID]
	delete(p.speakers, speakerID)
	p.mu.Unlock()

	if ok {
		spk.close()
		log.Printf("[pipeline] speaker %s removed", speakerID)
	}
}

// SetBackpressure toggles the pipeline-wide backpressure flag. When set,
// IngestChunk drops incoming audio instead of buffering it — the same
// short-circuit the teacher's ProcessAudio performs before doing any work.
func (p *Pipeline) SetBackpressure(on bool) {
	if on {
		atomic.StoreInt32(&p.backpressure, 1)
	} else {
		atomic.StoreInt32(&p.backpressure, 0)
	}
}

// ActiveSpeakers reports the number of speakers this pipeline currently
// tracks, used by the status HTTP surface's health payload.
func (p *Pipeline) ActiveSpeakers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.speakers)
}

// IngestChunk implements spec §4.4 steps 1-2: buffer then gate. Chunks are
// processed in strict per-speaker FIFO order because the chunker itself is
// only ever touched from this single call path per speaker (the room
// adapter's per-track read loop), matching §5's ordering guarantee.
func (p *Pipeline) IngestChunk(chunk AudioChunk) {
	if atomic.LoadInt32(&p.backpressure) == 1 {
		return
	}

	p.mu.RLock()
	spk, ok := p.speakers[chunk.SpeakerID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	window, ready := spk.chunker.Append(chunk)
	if !ready {
		return
	}

	select {
	case spk.windows <- window:
	case <-spk.ctx.Done():
	default:
		log.Printf("[pipeline] speaker %s window queue full, dropping window", spk.id)
	}
}

// consumeWindows is the single serial consumer of one speaker's gated
// windows: it runs processWindow to completion (including the MT/TTS
// fan-out barrier) before pulling the next window, so commit sequence
// numbers and stabilizer feeds are assigned in strict gate order per spec
// §4.4 invariant 3, never in STT-completion order.
func (p *Pipeline) consumeWindows(spk *speaker) {
	for {
		select {
		case <-spk.ctx.Done():
			return
		case window := <-spk.windows:
			p.processWindow(spk, window)
		}
	}
}

// processWindow runs spec §4.4 steps 3-8 for one gated audio window.
func (p *Pipeline) processWindow(spk *speaker, window []AudioChunk) {
	select {
	case <-spk.ctx.Done():
		return
	default:
	}

	windowStart := time.Now()
	samples := concatenate(window)
	sampleRate := window[0].SampleRateHz
	durationMs := 0.0
	for _, c := range window {
		durationMs += c.DurationMs()
	}

	traceID := fmt.Sprintf("translation_%s_%d", spk.id, time.Now().UnixMilli())
	p.tracer.StartTrace(traceID, spk.id, map[string]any{
		"chunk_count":       len(window),
		"audio_duration_ms": durationMs,
	})

	sttResult, err := p.callSTT(spk.ctx, traceID, samples, sampleRate)
	if err != nil {
		p.tracer.AddError(traceID, err.Error())
		p.tracer.CompleteTrace(traceID)
		return
	}

	if strings.TrimSpace(sttResult.Text) == "" {
		// Upstream produced an empty hypothesis: nothing to stabilize or
		// translate, but still a normal (non-error) completion.
		p.tracer.CompleteTrace(traceID)
		return
	}

	spk.sourceLang = sttResult.DetectedLanguage

	stabRes := spk.stab.Feed(sttResult.Text, sttResult.DetectedLanguage, sttResult.IsFinal)
	p.tracer.AddSpan(traceID, "stt_first_token", sttResult.ProcessingTimeMs, nil)

	if len(stabRes.Committed) == 0 {
		p.tracer.CompleteTrace(traceID)
		return
	}

	delta := strings.Join(stabRes.Committed, " ")
	for _, sentence := range splitSentences(delta) {
		spk.contextWin.Append(sentence)
	}
	contextSnapshot := spk.contextWin.Snapshot()
	seq := spk.nextSequence()

	targets := p.targetsFor(sttResult.DetectedLanguage)
	if len(targets) == 0 {
		p.tracer.CompleteTrace(traceID)
		return
	}

	var wg sync.WaitGroup
	for _, lang := range targets {
		lang := lang
		wg.Add(1)
		submitted := p.mtPool.Submit(func() {
			defer wg.Done()
			p.fanOutTarget(spk, traceID, seq, delta, sttResult.DetectedLanguage, lang, contextSnapshot, windowStart)
		})
		if !submitted {
			wg.Done()
			p.tracer.AddError(traceID, "mt fan-out dropped: worker pool saturated for target "+lang)
		}
	}
	wg.Wait()

	select {
	case <-spk.ctx.Done():
		p.tracer.CompleteTraceWithMeta(traceID, map[string]any{"cancelled": true})
	default:
		p.tracer.CompleteTrace(traceID)
	}
}

// targetsFor returns the configured target languages excluding the
// detected source language, per spec §4.4 step 6.
func (p *Pipeline) targetsFor(sourceLang string) []string {
	out := make([]string, 0, len(p.cfg.TargetLanguages))
	for _, lang := range p.cfg.TargetLanguages {
		if !strings.EqualFold(lang, sourceLang) {
			out = append(out, lang)
		}
	}
	return out
}

// callSTT wraps the STT round trip with the soft/hard timeout discipline:
// a soft-timeout timer fires a warning span if the call is still in flight,
// while the hard timeout bounds the context passed to the transport call.
func (p *Pipeline) callSTT(ctx context.Context, traceID string, samples []int16, sampleRate int) (transport.STTResult, error) {
	start := time.Now()
	hardCtx, cancel := context.WithTimeout(ctx, sttHardTimeout)
	defer cancel()

	timer := time.AfterFunc(sttSoftTimeout, func() {
		p.tracer.AddSpan(traceID, "stt_soft_timeout_warning", sttSoftTimeout.Seconds()*1000, map[string]any{"warning": true})
	})
	result, err := p.clients.STT.Transcribe(hardCtx, samples)
	timer.Stop()

	p.tracer.AddSpan(traceID, "stt_processing", time.Since(start).Seconds()*1000, nil)
	return result, err
}

// fanOutTarget runs spec §4.4 step 7 for one target language: MT, TTS,
// publish audio, publish caption — serialized against other commits for the
// same (speaker, target) pair via the ordered publisher. One target's
// failure never cancels sibling targets; each fan-out records its own
// trace errors independently.
func (p *Pipeline) fanOutTarget(spk *speaker, traceID string, seq int64, delta, srcLang, targetLang, contextText string, windowStart time.Time) {
	published := false
	defer func() {
		if !published {
			// A commit this target does not publish still takes its turn, so
			// later commits for the same target are not parked behind it.
			op := spk.publisherFor(targetLang)
			op.Wait(seq)
			op.Advance(seq)
		}
	}()

	mtStart := time.Now()
	mtHardCtx, mtCancel := context.WithTimeout(spk.ctx, mtHardTimeout)
	mtTimer := time.AfterFunc(mtSoftTimeout, func() {
		p.tracer.AddSpan(traceID, "mt_soft_timeout_warning:"+targetLang, mtSoftTimeout.Seconds()*1000, map[string]any{"warning": true})
	})
	mtResult, err := p.clients.MT.Translate(mtHardCtx, transport.MTRequest{
		Text:           delta,
		SourceLanguage: srcLang,
		TargetLanguage: targetLang,
		Context:        contextText,
	})
	mtTimer.Stop()
	mtCancel()
	p.tracer.AddSpan(traceID, "mt_processing:"+targetLang, time.Since(mtStart).Seconds()*1000, nil)
	if err != nil {
		p.tracer.AddError(traceID, fmt.Sprintf("mt[%s]: %v", targetLang, err))
		return
	}

	if strings.TrimSpace(mtResult.Translation) == "" {
		// Spec §7 / §8 property 11: an empty MT translation short-circuits
		// the step without error — no TTS call, no caption published.
		return
	}

	voiceID := p.cfg.VoiceFor(targetLang)

	if cached, sr, ok := p.cache.Get(mtResult.Translation, targetLang, voiceID); ok {
		spk.publisherFor(targetLang).Wait(seq)
		latencyMs := time.Since(windowStart).Seconds() * 1000
		published = true
		p.publishResult(spk, traceID, seq, targetLang, delta, mtResult.Translation, srcLang, cached, sr, mtResult.Confidence, latencyMs)
		return
	}

	ttsStart := time.Now()
	ttsHardCtx, ttsCancel := context.WithTimeout(spk.ctx, ttsHardTimeout)
	defer ttsCancel()
	ttsTimer := time.AfterFunc(ttsSoftTimeout, func() {
		p.tracer.AddSpan(traceID, "tts_soft_timeout_warning:"+targetLang, ttsSoftTimeout.Seconds()*1000, map[string]any{"warning": true})
	})

	stream, err := p.clients.TTS.Synthesize(ttsHardCtx, transport.TTSRequest{
		Text:     mtResult.Translation,
		VoiceID:  voiceID,
		Language: targetLang,
		Speed:    1.0,
	})
	if err != nil {
		ttsTimer.Stop()
		p.tracer.AddError(traceID, fmt.Sprintf("tts[%s]: %v", targetLang, err))
		return
	}

	var audio []int16
	sampleRate := 0
	firstSampleSeen := false
	for chunk := range stream {
		if len(chunk.Audio) > 0 {
			if !firstSampleSeen {
				p.tracer.AddSpan(traceID, "tts_first_sample", time.Since(ttsStart).Seconds()*1000, map[string]any{"target_language": targetLang})
				firstSampleSeen = true
			}
			audio = append(audio, chunk.Audio...)
			sampleRate = chunk.SampleRate
		}
	}
	ttsTimer.Stop()
	p.tracer.AddSpan(traceID, "tts_processing:"+targetLang, time.Since(ttsStart).Seconds()*1000, nil)

	if len(audio) == 0 {
		p.tracer.AddError(traceID, fmt.Sprintf("tts[%s]: empty synthesis", targetLang))
		return
	}

	p.cache.Set(mtResult.Translation, targetLang, voiceID, audio, sampleRate)

	spk.publisherFor(targetLang).Wait(seq)
	latencyMs := time.Since(windowStart).Seconds() * 1000
	published = true
	p.publishResult(spk, traceID, seq, targetLang, delta, mtResult.Translation, srcLang, audio, sampleRate, mtResult.Confidence, latencyMs)
}

// publishResult publishes synthesized audio and the matching caption
// datagram for one (speaker, target) commit, then advances that pair's
// ordered publisher so the next queued commit (if any) may proceed.
func (p *Pipeline) publishResult(spk *speaker, traceID string, seq int64, targetLang, originalText, translatedText, srcLang string, audio []int16, sampleRate int, confidence, latencyMs float64) {
	defer spk.publisherFor(targetLang).Advance(seq)

	output := p.outputPublisher()
	if output == nil {
		p.tracer.AddError(traceID, fmt.Sprintf("publish[%s]: no output publisher configured", targetLang))
		return
	}

	if err := output.PublishAudio(spk.id, targetLang, audio, sampleRate); err != nil {
		p.tracer.AddError(traceID, fmt.Sprintf("publish audio[%s]: %v", targetLang, err))
	}

	if err := output.PublishCaption(spk.id, Caption{
		Type:           "translation",
		OriginalText:   originalText,
		TranslatedText: translatedText,
		SourceLanguage: srcLang,
		TargetLanguage: targetLang,
		Confidence:     confidence,
		LatencyMs:      latencyMs,
		Timestamp:      time.Now(),
		ChunkID:        traceID,
	}); err != nil {
		p.tracer.AddError(traceID, fmt.Sprintf("publish caption[%s]: %v", targetLang, err))
	}
}

// splitSentences segments committed text on terminal punctuation
// (., !, ?), mirroring the context buffer's sentence-level accounting in
// spec §4.4 step 5. A trailing fragment with no terminal punctuation is
// still returned as its own (incomplete) sentence so it is not lost.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	parts := sentenceBoundary.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
