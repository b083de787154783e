// Package pipeline implements the per-speaker chunk → STT → stabilize →
// context-update → MT-fan-out → TTS → publish flow (spec §4.4). It is the
// direct descendant of the teacher's aws.Pipeline (internal/aws/pipeline.go):
// same backpressure flag, same per-speaker map + mutex, same
// semaphore/worker-pool-bounded fan-out and health snapshotting, with the
// AWS-SDK-bound stream pooling replaced by the three internal/transport
// clients and the MT fan-out now governed by a per-(speaker,target) ordered
// publisher enforcing spec §4.4's commit-order publish guarantee.
package pipeline

import "time"

// AudioChunk is one inbound frame of captured audio for one speaker.
type AudioChunk struct {
	Samples      []int16
	SampleRateHz int
	SpeakerID    string
	CapturedAt   time.Time
}

// DurationMs reports how much wall-clock audio this chunk represents.
func (c AudioChunk) DurationMs() float64 {
	if c.SampleRateHz == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRateHz) * 1000
}

// Caption is one translated-caption datagram, published alongside the
// matching translated audio per spec §4.4 step 7.4 / §6's caption schema.
type Caption struct {
	Type             string
	OriginalText     string
	TranslatedText   string
	SourceLanguage   string
	TargetLanguage   string
	Confidence       float64
	LatencyMs        float64
	Timestamp        time.Time
	ChunkID          string
}

// OutputPublisher is the abstract capability the room adapter provides to
// every pipeline: publish synthesized audio for a (speaker, target
// language) pair, and publish a caption datagram. Implemented by
// internal/room.Adapter; kept as an interface here so pipeline tests never
// need a real LiveKit room.
type OutputPublisher interface {
	PublishAudio(speakerID, targetLanguage string, samples []int16, sampleRateHz int) error
	PublishCaption(speakerID string, caption Caption) error
}
