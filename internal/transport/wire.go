// Package transport implements the three persistent, bidirectional
// websocket clients (STT, MT, TTS) the pipeline calls into, all sharing one
// connection-lifecycle base (internal/transport/client.go) grounded on the
// teacher's aws.Pipeline reader/writer goroutine split and circuit breaker.
// Wire shapes below are JSON-tagged structs, one per message direction per
// service, following the teacher's plain-tagged-struct convention
// (internal/model/audio.go, internal/aws/pipeline.go's response structs).
package transport

// STTWord is one word-level entry in an STT response, when the upstream
// service provides word timing/confidence.
type STTWord struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

// sttResponse is the JSON shape received on the STT connection. The STT
// service speaks binary-in, JSON-out: audio frames are sent as raw
// websocket binary messages (see STTClient.Transcribe), responses arrive as
// one JSON text message per result.
type sttResponse struct {
	SessionID        string    `json:"session_id"`
	Text             string    `json:"text"`
	Confidence       float64   `json:"confidence"`
	Language         string    `json:"language"`
	IsFinal          bool      `json:"is_final"`
	Timestamp        float64   `json:"timestamp"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
	Words            []STTWord `json:"words,omitempty"`
}

// STTResult is the client-facing, Go-cased STT hypothesis.
type STTResult struct {
	SessionID        string
	Text             string
	Confidence       float64
	DetectedLanguage string
	IsFinal          bool
	ProcessingTimeMs float64
	Words            []STTWord
}

// mtRequest is the JSON shape sent on the MT connection.
type mtRequest struct {
	SessionID      string `json:"session_id"`
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	Context        string `json:"context,omitempty"`
}

// mtResponse is the JSON shape received on the MT connection.
type mtResponse struct {
	SessionID      string  `json:"session_id"`
	Translation    string  `json:"translation"`
	SourceLanguage string  `json:"source_language"`
	TargetLanguage string  `json:"target_language"`
	Confidence     float64 `json:"confidence,omitempty"`
	ProcessingMs   float64 `json:"processing_time_ms,omitempty"`
	ModelUsed      string  `json:"model_used,omitempty"`
	ContextUsed    bool    `json:"context_used,omitempty"`
}

// MTRequest is the client-facing request to Translate.
type MTRequest struct {
	SessionID      string
	Text           string
	SourceLanguage string
	TargetLanguage string
	Context        string
}

// MTResult is the client-facing, Go-cased translation result.
type MTResult struct {
	SessionID      string
	Translation    string
	SourceLanguage string
	TargetLanguage string
	Confidence     float64
	ProcessingMs   float64
	ModelUsed      string
	ContextUsed    bool
}

// ttsRequest is the JSON shape sent on the TTS connection.
type ttsRequest struct {
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	VoiceID   string  `json:"voice_id"`
	Language  string  `json:"language"`
	Stream    bool    `json:"stream"`
	Speed     float64 `json:"speed"`
}

// ttsResponse is one streamed JSON response frame from the TTS connection.
type ttsResponse struct {
	SessionID     string  `json:"session_id"`
	AudioChunkB64 *string `json:"audio_chunk"`
	SampleRate    int     `json:"sample_rate"`
	VoiceID       string  `json:"voice_id"`
	Language      string  `json:"language"`
	ProcessingMs  float64 `json:"processing_time_ms"`
	TTFTMs        float64 `json:"ttft_ms,omitempty"`
	IsFinal       bool    `json:"is_final"`
}

// TTSChunk is one decoded frame of a streamed synthesis response. A
// complete synthesis is a sequence of TTSChunks terminated by Final=true.
type TTSChunk struct {
	SessionID    string
	Audio        []int16
	SampleRate   int
	VoiceID      string
	Language     string
	ProcessingMs float64
	TTFTMs       float64
	Final        bool
}

// TTSRequest is the client-facing request to Synthesize.
type TTSRequest struct {
	SessionID string
	Text      string
	VoiceID   string
	Language  string
	Speed     float64
}
