package transport

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nasr-live/translate-worker/internal/xerrors"
)

// TTSClient is the persistent connection to the speech-synthesis service.
// Responses stream as a sequence of JSON frames terminated by is_final=true
// (the final frame may carry an empty audio_chunk), matching spec §6's TTS
// wire protocol.
type TTSClient struct {
	base *baseClient
}

// NewTTSClient constructs a TTS client.
func NewTTSClient(url string, dialTimeout, writeTimeout, readTimeout time.Duration) *TTSClient {
	return &TTSClient{base: newBaseClient("tts", url, dialTimeout, writeTimeout, readTimeout)}
}

func (c *TTSClient) State() string { return c.base.State() }
func (c *TTSClient) Close() error  { return c.base.Close() }

// Connect eagerly dials the connection as part of the supervisor's startup
// sequence.
func (c *TTSClient) Connect(ctx context.Context) error { return c.base.ensureConnected(ctx) }

// Synthesize sends one synthesis request and returns a channel of decoded
// TTSChunks terminated by a chunk with Final=true. The channel is closed
// after the final chunk or on error/cancellation. Errors encountered after
// streaming has begun are reported by closing the channel early; callers
// should treat an early-closed channel (no Final chunk seen) as a dropped
// synthesis per the "upstream semantic/transient failure" taxonomy.
func (c *TTSClient) Synthesize(ctx context.Context, req TTSRequest) (<-chan TTSChunk, error) {
	if err := c.base.ensureConnected(ctx); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	rawCh := c.base.registerStream(sessionID, 8)

	wire := ttsRequest{
		SessionID: sessionID,
		Text:      req.Text,
		VoiceID:   req.VoiceID,
		Language:  req.Language,
		Stream:    true,
		Speed:     req.Speed,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		c.base.unregister(sessionID)
		return nil, xerrors.Wrap(xerrors.Semantic, "tts: encoding request", err)
	}
	if err := c.base.write(websocket.TextMessage, payload); err != nil {
		c.base.unregister(sessionID)
		return nil, err
	}

	out := make(chan TTSChunk, 8)
	go c.pump(ctx, sessionID, rawCh, out)
	return out, nil
}

func (c *TTSClient) pump(ctx context.Context, sessionID string, rawCh chan []byte, out chan TTSChunk) {
	defer close(out)
	timer := time.NewTimer(c.base.readTimeout)
	defer timer.Stop()

	for {
		select {
		case raw, ok := <-rawCh:
			if !ok {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.base.readTimeout)

			var resp ttsResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return
			}
			chunk := TTSChunk{
				SessionID:    resp.SessionID,
				SampleRate:   resp.SampleRate,
				VoiceID:      resp.VoiceID,
				Language:     resp.Language,
				ProcessingMs: resp.ProcessingMs,
				TTFTMs:       resp.TTFTMs,
				Final:        resp.IsFinal,
			}
			if resp.AudioChunkB64 != nil && *resp.AudioChunkB64 != "" {
				if raw, err := base64.StdEncoding.DecodeString(*resp.AudioChunkB64); err == nil {
					chunk.Audio = bytesToInt16LittleEndian(raw)
				}
			}
			out <- chunk
			if resp.IsFinal {
				return
			}
		case <-timer.C:
			c.base.unregister(sessionID)
			return
		case <-ctx.Done():
			c.base.unregister(sessionID)
			return
		}
	}
}

func bytesToInt16LittleEndian(buf []byte) []int16 {
	n := len(buf) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return out
}
