package room

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/nasr-live/translate-worker/internal/config"
	"github.com/nasr-live/translate-worker/internal/pipeline"
)

const captionsTopic = "captions"

// captionPayload is the JSON shape published on the captions data-channel
// topic, matching spec §6's caption datagram exactly.
type captionPayload struct {
	Type           string  `json:"type"`
	OriginalText   string  `json:"original_text"`
	TranslatedText string  `json:"translated_text"`
	SourceLanguage string  `json:"source_language"`
	TargetLanguage string  `json:"target_language"`
	Confidence     float64 `json:"confidence"`
	LatencyMs      float64 `json:"latency_ms"`
	Timestamp      string  `json:"timestamp"`
	ChunkID        string  `json:"chunk_id"`
}

// Adapter owns the LiveKit room connection for one worker instance: one
// adapter per room, feeding every subscribed speaker's audio into the
// pipeline and implementing pipeline.OutputPublisher for the reverse
// direction. Grounded on the teacher's RoomHub (one Room per roomID,
// participant join/leave driving Speaker/Listener lifecycle).
type Adapter struct {
	cfg *config.Config
	pl  *pipeline.Pipeline

	room *lksdk.Room

	mu      sync.Mutex
	tracks  map[string]*OutputTrack // keyed by target language
	closed  bool
}

// New constructs an Adapter. Call Connect to actually join the room.
func New(cfg *config.Config, pl *pipeline.Pipeline) *Adapter {
	return &Adapter{
		cfg:    cfg,
		pl:     pl,
		tracks: make(map[string]*OutputTrack),
	}
}

// Connect joins the configured LiveKit room as the translation agent. It
// blocks only for the duration of the SFU handshake; per-participant work
// happens asynchronously via the registered RoomCallback.
func (a *Adapter) Connect(ctx context.Context) error {
	token, err := a.buildToken()
	if err != nil {
		return fmt.Errorf("room: building access token: %w", err)
	}

	callback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   a.onTrackSubscribed,
			OnTrackUnsubscribed: a.onTrackUnsubscribed,
		},
		OnParticipantDisconnected: a.onParticipantDisconnected,
		OnDisconnected:            a.onDisconnected,
	}

	r, err := lksdk.ConnectToRoom(a.cfg.LiveKitURL, lksdk.ConnectInfo{
		APIKey:              a.cfg.LiveKitAPIKey,
		APISecret:           a.cfg.LiveKitAPISecret,
		RoomName:            a.cfg.RoomName,
		ParticipantIdentity: a.cfg.AgentIdentity,
	}, callback, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return fmt.Errorf("room: connect: %w", err)
	}
	_ = token // ConnectToRoom mints its own token from ConnectInfo's key/secret; the JWT built above is not used further.

	a.room = r
	log.Printf("[room] connected to %s as %s", a.cfg.RoomName, a.cfg.AgentIdentity)
	return nil
}

// buildToken mints a LiveKit access token for the agent identity. Connect
// calls it only to surface a bad key/secret early; nothing else uses the
// token. Grounded on the teacher's server.go's jwt-minting handler,
// replacing golang-jwt/jwt with the LiveKit SDK's own auth package.
func (a *Adapter) buildToken() (string, error) {
	at := auth.NewAccessToken(a.cfg.LiveKitAPIKey, a.cfg.LiveKitAPISecret)
	grant := &auth.VideoGrant{RoomJoin: true, Room: a.cfg.RoomName}
	at.SetVideoGrant(grant).SetIdentity(a.cfg.AgentIdentity).SetValidFor(24 * time.Hour)
	return at.ToJWT()
}

// Disconnect leaves the room and releases every output track.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	if a.room != nil {
		a.room.Disconnect()
	}
}

func (a *Adapter) onTrackSubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if publication.Source() != livekit.TrackSource_MICROPHONE {
		return
	}

	speakerID := rp.Identity()
	a.pl.AddSpeaker(speakerID)
	log.Printf("[room] subscribed to microphone track for %s", speakerID)

	decoder, err := opus.NewDecoder(outputSampleRate, outputChannels)
	if err != nil {
		log.Printf("[room] opus decoder for %s: %v", speakerID, err)
		return
	}

	go a.forwardTrack(track, speakerID, decoder)
}

func (a *Adapter) forwardTrack(track *webrtc.TrackRemote, speakerID string, decoder *opus.Decoder) {
	pcmBuf := make([]int16, outputSampleRate*frameDurationMs/1000*4)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				log.Printf("[room] read track for %s: %v", speakerID, err)
			}
			return
		}

		n, err := decoder.Decode(pkt.Payload, pcmBuf)
		if err != nil {
			continue
		}

		samples := append([]int16(nil), pcmBuf[:n]...)
		a.pl.IngestChunk(pipeline.AudioChunk{
			Samples:      samples,
			SampleRateHz: outputSampleRate,
			SpeakerID:    speakerID,
			CapturedAt:   time.Now(),
		})
	}
}

func (a *Adapter) onTrackUnsubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	a.pl.RemoveSpeaker(rp.Identity())
}

func (a *Adapter) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	a.pl.RemoveSpeaker(rp.Identity())
}

func (a *Adapter) onDisconnected() {
	log.Printf("[room] disconnected from %s", a.cfg.RoomName)
}

// PublishAudio implements pipeline.OutputPublisher: writes synthesized PCM
// to the (lazily created) output track for targetLanguage.
func (a *Adapter) PublishAudio(speakerID, targetLanguage string, samples []int16, sampleRateHz int) error {
	track, err := a.trackFor(targetLanguage)
	if err != nil {
		return err
	}
	return track.Write(samples, sampleRateHz)
}

func (a *Adapter) trackFor(lang string) (*OutputTrack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.tracks[lang]; ok {
		return t, nil
	}
	if a.room == nil {
		return nil, fmt.Errorf("room: adapter not connected")
	}
	t, err := newOutputTrack(a.room, lang)
	if err != nil {
		return nil, err
	}
	a.tracks[lang] = t
	return t, nil
}

// PublishCaption implements pipeline.OutputPublisher: publishes the caption
// datagram on the "captions" data-channel topic per spec §6.
func (a *Adapter) PublishCaption(speakerID string, caption pipeline.Caption) error {
	if a.room == nil {
		return fmt.Errorf("room: adapter not connected")
	}

	payload := captionPayload{
		Type:           caption.Type,
		OriginalText:   caption.OriginalText,
		TranslatedText: caption.TranslatedText,
		SourceLanguage: caption.SourceLanguage,
		TargetLanguage: caption.TargetLanguage,
		Confidence:     caption.Confidence,
		LatencyMs:      caption.LatencyMs,
		Timestamp:      caption.Timestamp.UTC().Format(time.RFC3339Nano),
		ChunkID:        caption.ChunkID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("room: encoding caption: %w", err)
	}

	// Destination identities left empty: captions broadcast to every
	// participant subscribed to the "captions" topic, same as the teacher's
	// handler.RoomHub broadcasting transcript messages to every Listener.
	return a.room.LocalParticipant.PublishData(data, livekit.DataPacket_RELIABLE, []string{})
}
