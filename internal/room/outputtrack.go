// Package room adapts one LiveKit SFU room to the pipeline: it subscribes
// to every published microphone track, decodes it into PCM for
// pipeline.Pipeline.IngestChunk, and implements pipeline.OutputPublisher by
// lazily publishing one synthesized-audio track per target language plus
// caption datagrams over a data-channel topic. Grounded on the teacher's
// handler.RoomHub/Room/Listener fan-out (internal/handler/room_hub.go),
// finishing the SFU-SDK adoption that repo's go.mod already listed but never
// used, and on the Kitt GPTParticipant example's lksdk.RoomCallback wiring
// (other_examples) for the connect/track-subscribed shape.
package room

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

const (
	outputSampleRate = 48000
	outputChannels   = 1
	frameDurationMs  = 20
)

// OutputTrack publishes one target language's synthesized audio as an Opus
// track, created lazily on the first translation for that language and
// never unpublished for the lifetime of the room connection, per spec
// §4.5's "publish once" rule.
type OutputTrack struct {
	lang    string
	track   *lksdk.LocalSampleTrack
	encoder *opus.Encoder

	mu      sync.Mutex
	pending []int16 // samples awaiting resampling/encoding into one 20ms frame
}

func newOutputTrack(room *lksdk.Room, lang string) (*OutputTrack, error) {
	enc, err := opus.NewEncoder(outputSampleRate, outputChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("room: new opus encoder for %s: %w", lang, err)
	}

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   outputSampleRate,
		Channels:    outputChannels,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	})
	if err != nil {
		return nil, fmt.Errorf("room: new local track for %s: %w", lang, err)
	}

	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "translated_" + lang,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		return nil, fmt.Errorf("room: publish track for %s: %w", lang, err)
	}

	return &OutputTrack{lang: lang, track: track, encoder: enc}, nil
}

// Write appends PCM samples (at sampleRateHz) to the track, resampling to
// outputSampleRate if needed, then emits as many complete ≤20ms Opus frames
// as the buffered samples allow. Leftover samples are retained for the next
// Write call so frame boundaries never split across calls.
func (t *OutputTrack) Write(samples []int16, sampleRateHz int) error {
	resampled := resampleLinear(samples, sampleRateHz, outputSampleRate)

	t.mu.Lock()
	t.pending = append(t.pending, resampled...)
	frameSize := outputSampleRate * frameDurationMs / 1000

	var frames [][]int16
	for len(t.pending) >= frameSize {
		frames = append(frames, append([]int16(nil), t.pending[:frameSize]...))
		t.pending = t.pending[frameSize:]
	}
	t.mu.Unlock()

	encoded := make([]byte, 4000)
	for _, frame := range frames {
		n, err := t.encoder.Encode(frame, encoded)
		if err != nil {
			log.Printf("[room:outputtrack:%s] opus encode failed: %v", t.lang, err)
			continue
		}
		if err := t.track.WriteSample(media.Sample{
			Data:     append([]byte(nil), encoded[:n]...),
			Duration: frameDurationMs * time.Millisecond,
		}); err != nil {
			return fmt.Errorf("room: write sample for %s: %w", t.lang, err)
		}
	}
	return nil
}

// resampleLinear performs linear-interpolation resampling with saturating
// int16 conversion (the fractional part is truncated toward zero) — the
// output sample is clamped to [math.MinInt16, math.MaxInt16] rather than
// wrapping, matching the
// saturating-conversion convention spec §4.5 calls for at the PCM boundary.
func resampleLinear(samples []int16, fromHz, toHz int) []int16 {
	if fromHz == toHz || len(samples) == 0 {
		return samples
	}
	ratio := float64(toHz) / float64(fromHz)
	outLen := int(float64(len(samples)) * ratio)
	out := make([]int16, outLen)
	for i := range out {
		srcPos := float64(i) / ratio
		i0 := int(srcPos)
		if i0 >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := srcPos - float64(i0)
		interp := float64(samples[i0])*(1-frac) + float64(samples[i0+1])*frac
		out[i] = saturateInt16(interp)
	}
	return out
}

func saturateInt16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
