// Package config loads and validates the worker's environment-supplied
// configuration, following the same .env-then-environment precedence the
// rest of the pack uses via github.com/joho/godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully validated runtime configuration for one worker
// process. Every field here corresponds to an entry in the "Configuration
// (environment-supplied)" list of the specification.
type Config struct {
	// LiveKit room connection.
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	RoomName         string
	AgentIdentity    string

	// Transport service endpoints.
	STTServiceURL string
	MTServiceURL  string
	TTSServiceURL string

	// Target languages this worker translates every speaker into, and the
	// TTS voice preset for each.
	TargetLanguages []string
	VoicePresets    map[string]string

	// Pipeline tuning.
	ChunkDuration         time.Duration
	ContextSentenceCap    int
	ContextTokenCap       int
	MaxConcurrentSessions int
	MaxConcurrentMT       int
	MaxConcurrentTTS      int

	// SLO targets, used by the tracer to compute compliance rates.
	TTFTTargetMs       int
	CaptionTargetMs    int
	EndToEndTargetMs   int
	MaxRetractionRate  float64

	// Status/health HTTP surface.
	StatusAddr string

	// Transport dial/write/read timeouts.
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// ValidationError reports a single invalid or missing configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads a .env file if present (missing is not an error, mirroring
// godotenv.Load's own convention used by the rest of the pack), then builds
// and validates a Config from the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	cfg := &Config{
		LiveKitURL:       getenv("LIVEKIT_URL", ""),
		LiveKitAPIKey:    getenv("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret: getenv("LIVEKIT_API_SECRET", ""),
		RoomName:         getenv("LIVEKIT_ROOM", ""),
		AgentIdentity:    getenv("AGENT_IDENTITY", "translate-worker"),

		STTServiceURL: getenv("STT_SERVICE_URL", "ws://localhost:8001/ws/stt"),
		MTServiceURL:  getenv("MT_SERVICE_URL", "ws://localhost:8002/ws/mt"),
		TTSServiceURL: getenv("TTS_SERVICE_URL", "ws://localhost:8003/ws/tts"),

		TargetLanguages: splitCSV(getenv("TARGET_LANGUAGES", "es,fr,de,it,pt")),
		VoicePresets:    parseVoicePresets(getenv("VOICE_PRESETS", "")),

		ChunkDuration:         durationMs(getenv("CHUNK_DURATION_MS", "250")),
		ContextSentenceCap:    atoi(getenv("CONTEXT_SENTENCE_CAP", "3")),
		ContextTokenCap:       atoi(getenv("CONTEXT_TOKEN_CAP", "512")),
		MaxConcurrentSessions: atoi(getenv("MAX_CONCURRENT_SESSIONS", "4")),
		MaxConcurrentMT:       atoi(getenv("MAX_CONCURRENT_MT", "16")),
		MaxConcurrentTTS:      atoi(getenv("MAX_CONCURRENT_TTS", "16")),

		TTFTTargetMs:      atoi(getenv("TTFT_TARGET_MS", "450")),
		CaptionTargetMs:   atoi(getenv("CAPTION_TARGET_MS", "250")),
		EndToEndTargetMs:  atoi(getenv("END_TO_END_TARGET_MS", "500")),
		MaxRetractionRate: atof(getenv("MAX_RETRACTION_RATE", "0.05")),

		StatusAddr: getenv("STATUS_ADDR", ":9090"),

		DialTimeout:  durationMs(getenv("DIAL_TIMEOUT_MS", "3000")),
		WriteTimeout: durationMs(getenv("WRITE_TIMEOUT_MS", "2000")),
		ReadTimeout:  durationMs(getenv("READ_TIMEOUT_MS", "10000")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LiveKitURL == "" {
		return &ValidationError{"LIVEKIT_URL", "must be set"}
	}
	if c.LiveKitAPIKey == "" || c.LiveKitAPISecret == "" {
		return &ValidationError{"LIVEKIT_API_KEY/LIVEKIT_API_SECRET", "must both be set"}
	}
	if c.RoomName == "" {
		return &ValidationError{"LIVEKIT_ROOM", "must be set"}
	}
	if c.STTServiceURL == "" || c.MTServiceURL == "" || c.TTSServiceURL == "" {
		return &ValidationError{"STT_SERVICE_URL/MT_SERVICE_URL/TTS_SERVICE_URL", "must all be set"}
	}
	if len(c.TargetLanguages) == 0 {
		return &ValidationError{"TARGET_LANGUAGES", "must list at least one language"}
	}
	if c.ChunkDuration < 100*time.Millisecond || c.ChunkDuration > time.Second {
		return &ValidationError{"CHUNK_DURATION_MS", "must be between 100 and 1000"}
	}
	if c.ContextSentenceCap <= 0 {
		return &ValidationError{"CONTEXT_SENTENCE_CAP", "must be positive"}
	}
	if c.ContextTokenCap <= 0 {
		return &ValidationError{"CONTEXT_TOKEN_CAP", "must be positive"}
	}
	if c.MaxConcurrentSessions <= 0 {
		return &ValidationError{"MAX_CONCURRENT_SESSIONS", "must be positive"}
	}
	if c.MaxRetractionRate < 0 || c.MaxRetractionRate > 1 {
		return &ValidationError{"MAX_RETRACTION_RATE", "must be between 0 and 1"}
	}
	return nil
}

// VoiceFor returns the configured voice preset for a target language,
// falling back to "<lang>-default" the way original_source's
// translator_worker.py does (`config.voice_presets.get(target_lang,
// f"{target_lang}-default")`).
func (c *Config) VoiceFor(lang string) string {
	if v, ok := c.VoicePresets[lang]; ok {
		return v
	}
	return lang + "-default"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func atof(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func durationMs(s string) time.Duration {
	return time.Duration(atoi(s)) * time.Millisecond
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseVoicePresets parses "es=Conchita,fr=Celine" into a map, the way the
// teacher's defaultVoices table in internal/aws/polly.go is keyed by
// language — but environment-supplied here instead of hardcoded.
func parseVoicePresets(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}
