package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nasr-live/translate-worker/internal/xerrors"
)

// STTClient is the persistent connection to the streaming transcription
// service. Audio is sent as raw binary PCM frames (signed 16-bit
// little-endian). Each request is registered under its own local
// session_id, but the binary frame carries no id, so a response without a
// session_id is paired with the oldest pending request (the degraded mode
// enabled in NewSTTClient); a response that does carry a session_id is
// routed by it. Grounded on original_source's stt_client.py and its
// counter-based request_id.
type STTClient struct {
	base *baseClient
}

// NewSTTClient constructs an STT client. It does not dial until the first
// Transcribe call (lazy, demand-driven connect per spec §4.1).
func NewSTTClient(url string, dialTimeout, writeTimeout, readTimeout time.Duration) *STTClient {
	b := newBaseClient("stt", url, dialTimeout, writeTimeout, readTimeout)
	b.allowDegradedOldestOnMissingSessionID = true
	return &STTClient{base: b}
}

// State reports the connection lifecycle state.
func (c *STTClient) State() string { return c.base.State() }

// Connect eagerly dials the connection, used by the supervisor's startup
// sequence so a dead STT service is caught before the room ever admits a
// speaker, rather than on the first inbound audio chunk.
func (c *STTClient) Connect(ctx context.Context) error { return c.base.ensureConnected(ctx) }

// Close tears down the connection.
func (c *STTClient) Close() error { return c.base.Close() }

// Transcribe sends one chunk of 16-bit PCM samples and waits for the
// correlated JSON result.
func (c *STTClient) Transcribe(ctx context.Context, samples []int16) (STTResult, error) {
	if err := c.base.ensureConnected(ctx); err != nil {
		return STTResult{}, err
	}

	sessionID := uuid.NewString()
	ch := c.base.register(sessionID)

	payload := samplesToLittleEndianBytes(samples)
	if err := c.base.write(websocket.BinaryMessage, payload); err != nil {
		c.base.unregister(sessionID)
		return STTResult{}, err
	}

	msg, err := c.base.awaitResponse(ctx, sessionID, ch)
	if err != nil {
		return STTResult{}, err
	}

	var resp sttResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return STTResult{}, xerrors.Wrap(xerrors.Semantic, "stt: malformed response", err)
	}

	return STTResult{
		SessionID:        resp.SessionID,
		Text:             resp.Text,
		Confidence:       resp.Confidence,
		DetectedLanguage: resp.Language,
		IsFinal:          resp.IsFinal,
		ProcessingTimeMs: resp.ProcessingTimeMs,
		Words:            resp.Words,
	}, nil
}

func samplesToLittleEndianBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
