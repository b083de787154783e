package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nasr-live/translate-worker/internal/config"
	"github.com/nasr-live/translate-worker/internal/tracer"
	"github.com/nasr-live/translate-worker/internal/transport"
)

var testUpgrader = websocket.Upgrader{}

func startWSServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	return u.String()
}

// sttWireResponse and friends mirror the unexported wire shapes in
// internal/transport; duplicated here (test-only, same JSON tags) since
// those types are package-private.
type sttWireResponse struct {
	SessionID        string  `json:"session_id"`
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	Language         string  `json:"language"`
	IsFinal          bool    `json:"is_final"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

type mtWireRequest struct {
	SessionID      string `json:"session_id"`
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

type mtWireResponse struct {
	SessionID      string `json:"session_id"`
	Translation    string `json:"translation"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

type ttsWireRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Language  string `json:"language"`
}

type ttsWireResponse struct {
	SessionID     string  `json:"session_id"`
	AudioChunkB64 *string `json:"audio_chunk"`
	SampleRate    int     `json:"sample_rate"`
	IsFinal       bool    `json:"is_final"`
}

// startSTTServer always responds with a fixed transcript in the given
// language, with no session_id in the response.
func startSTTServer(t *testing.T, text, lang string, final bool) string {
	return startWSServer(t, func(conn *websocket.Conn) {
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// STT requests are raw PCM with no session id; the spec's carve-out
			// lets a response omit session_id entirely, which the test exercises
			// implicitly by never setting one here.
			resp := sttWireResponse{Text: text, Language: lang, IsFinal: final, Confidence: 0.95}
			b, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, b)
		}
	})
}

// startMTServer translates by prefixing the input text with the target
// language code and ":", so assertions can tell which target a given
// translation call served.
func startMTServer(t *testing.T) string {
	return startWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req mtWireRequest
			json.Unmarshal(msg, &req)
			resp := mtWireResponse{
				SessionID:      req.SessionID,
				Translation:    req.TargetLanguage + ":" + req.Text,
				SourceLanguage: req.SourceLanguage,
				TargetLanguage: req.TargetLanguage,
			}
			b, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, b)
		}
	})
}

// startTTSServer streams one non-empty audio frame followed by a final
// empty frame for every synthesis request.
func startTTSServer(t *testing.T) string {
	return startWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req ttsWireRequest
			json.Unmarshal(msg, &req)

			audio := "AAABAAIAAwA="
			frame1 := ttsWireResponse{SessionID: req.SessionID, SampleRate: 16000, AudioChunkB64: &audio}
			b1, _ := json.Marshal(frame1)
			conn.WriteMessage(websocket.TextMessage, b1)

			frame2 := ttsWireResponse{SessionID: req.SessionID, SampleRate: 16000, IsFinal: true}
			b2, _ := json.Marshal(frame2)
			conn.WriteMessage(websocket.TextMessage, b2)
		}
	})
}

type fakePublisher struct {
	mu       sync.Mutex
	audio    []string // "speakerID:targetLang"
	captions []Caption
}

func (f *fakePublisher) PublishAudio(speakerID, targetLanguage string, samples []int16, sampleRateHz int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, speakerID+":"+targetLanguage)
	return nil
}

func (f *fakePublisher) PublishCaption(speakerID string, caption Caption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captions = append(f.captions, caption)
	return nil
}

func (f *fakePublisher) snapshot() ([]string, []Caption) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.audio...), append([]Caption(nil), f.captions...)
}

func testConfig(targets []string) *config.Config {
	return &config.Config{
		TargetLanguages:       targets,
		VoicePresets:          map[string]string{},
		ChunkDuration:         50 * time.Millisecond,
		ContextSentenceCap:    3,
		ContextTokenCap:       512,
		MaxConcurrentSessions: 10,
		MaxConcurrentMT:       4,
		MaxConcurrentTTS:      4,
		TTFTTargetMs:          450,
		CaptionTargetMs:       250,
		EndToEndTargetMs:      500,
		MaxRetractionRate:     0.05,
		DialTimeout:           time.Second,
		WriteTimeout:          time.Second,
		ReadTimeout:           2 * time.Second,
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, sttURL, mtURL, ttsURL string) (*Pipeline, *fakePublisher) {
	t.Helper()
	clients := &Clients{
		STT: transport.NewSTTClient(sttURL, cfg.DialTimeout, cfg.WriteTimeout, cfg.ReadTimeout),
		MT:  transport.NewMTClient(mtURL, cfg.DialTimeout, cfg.WriteTimeout, cfg.ReadTimeout),
		TTS: transport.NewTTSClient(ttsURL, cfg.DialTimeout, cfg.WriteTimeout, cfg.ReadTimeout),
	}
	pub := &fakePublisher{}
	tr := tracer.New(float64(cfg.TTFTTargetMs), float64(cfg.CaptionTargetMs))
	p := New(context.Background(), cfg, clients, tr, nil)
	p.SetOutput(pub)
	t.Cleanup(p.Close)
	return p, pub
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestIngestChunkGatesAndFansOutToAllTargets(t *testing.T) {
	sttURL := startSTTServer(t, "hello there", "en", true)
	mtURL := startMTServer(t)
	ttsURL := startTTSServer(t)

	cfg := testConfig([]string{"es", "fr"})
	p, pub := newTestPipeline(t, cfg, sttURL, mtURL, ttsURL)
	p.AddSpeaker("spk-1")

	chunk := AudioChunk{Samples: make([]int16, 16000), SampleRateHz: 16000, SpeakerID: "spk-1", CapturedAt: time.Now()}
	p.IngestChunk(chunk)

	waitFor(t, 2*time.Second, func() bool {
		audio, _ := pub.snapshot()
		return len(audio) == 2
	})

	audio, captions := pub.snapshot()
	seen := map[string]bool{}
	for _, a := range audio {
		seen[a] = true
	}
	if !seen["spk-1:es"] || !seen["spk-1:fr"] {
		t.Fatalf("expected audio published for both es and fr, got %v", audio)
	}
	if len(captions) != 2 {
		t.Fatalf("expected 2 captions, got %d", len(captions))
	}
}

func TestFanOutExcludesDetectedSourceLanguage(t *testing.T) {
	sttURL := startSTTServer(t, "bonjour", "fr", true)
	mtURL := startMTServer(t)
	ttsURL := startTTSServer(t)

	cfg := testConfig([]string{"es", "fr"})
	p, pub := newTestPipeline(t, cfg, sttURL, mtURL, ttsURL)
	p.AddSpeaker("spk-1")

	chunk := AudioChunk{Samples: make([]int16, 16000), SampleRateHz: 16000, SpeakerID: "spk-1", CapturedAt: time.Now()}
	p.IngestChunk(chunk)

	waitFor(t, 2*time.Second, func() bool {
		audio, _ := pub.snapshot()
		return len(audio) == 1
	})

	audio, _ := pub.snapshot()
	if audio[0] != "spk-1:es" {
		t.Fatalf("expected only es (fr is the detected source), got %v", audio)
	}
}

func TestBackpressureDropsIngestedChunks(t *testing.T) {
	sttURL := startSTTServer(t, "hello", "en", true)
	mtURL := startMTServer(t)
	ttsURL := startTTSServer(t)

	cfg := testConfig([]string{"es"})
	p, pub := newTestPipeline(t, cfg, sttURL, mtURL, ttsURL)
	p.AddSpeaker("spk-1")
	p.SetBackpressure(true)

	chunk := AudioChunk{Samples: make([]int16, 16000), SampleRateHz: 16000, SpeakerID: "spk-1", CapturedAt: time.Now()}
	p.IngestChunk(chunk)

	time.Sleep(200 * time.Millisecond)
	audio, _ := pub.snapshot()
	if len(audio) != 0 {
		t.Fatalf("expected no publishes while backpressure is on, got %v", audio)
	}
}

func TestRemoveSpeakerStopsFurtherProcessing(t *testing.T) {
	sttURL := startSTTServer(t, "hello", "en", true)
	mtURL := startMTServer(t)
	ttsURL := startTTSServer(t)

	cfg := testConfig([]string{"es"})
	p, pub := newTestPipeline(t, cfg, sttURL, mtURL, ttsURL)
	p.AddSpeaker("spk-1")
	p.RemoveSpeaker("spk-1")

	chunk := AudioChunk{Samples: make([]int16, 16000), SampleRateHz: 16000, SpeakerID: "spk-1", CapturedAt: time.Now()}
	p.IngestChunk(chunk)

	if p.ActiveSpeakers() != 0 {
		t.Fatalf("ActiveSpeakers() = %d, want 0 after removal", p.ActiveSpeakers())
	}

	time.Sleep(200 * time.Millisecond)
	if audio, _ := pub.snapshot(); len(audio) != 0 {
		t.Fatalf("expected no publishes after the speaker was removed, got %v", audio)
	}
}
