package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nasr-live/translate-worker/internal/xerrors"
)

// MTClient is the persistent connection to the machine-translation service.
// Grounded on original_source's mt_client.py MTClient, with the
// "fallback: complete the first pending request" branch that file contains
// deliberately NOT ported — spec §9 names that exact fallback as a
// correctness hazard to avoid reintroducing.
type MTClient struct {
	base *baseClient
}

// NewMTClient constructs an MT client.
func NewMTClient(url string, dialTimeout, writeTimeout, readTimeout time.Duration) *MTClient {
	return &MTClient{base: newBaseClient("mt", url, dialTimeout, writeTimeout, readTimeout)}
}

func (c *MTClient) State() string { return c.base.State() }
func (c *MTClient) Close() error  { return c.base.Close() }

// Connect eagerly dials the connection as part of the supervisor's startup
// sequence.
func (c *MTClient) Connect(ctx context.Context) error { return c.base.ensureConnected(ctx) }

// Translate sends one translation request and waits for the correlated
// result. req.SessionID is assigned a fresh uuid here if the caller left it
// blank, so every call is independently correlated even when many targets
// for the same speaker fan out concurrently over this one shared
// connection.
func (c *MTClient) Translate(ctx context.Context, req MTRequest) (MTResult, error) {
	if err := c.base.ensureConnected(ctx); err != nil {
		return MTResult{}, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ch := c.base.register(sessionID)

	wire := mtRequest{
		SessionID:      sessionID,
		Text:           req.Text,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		Context:        req.Context,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		c.base.unregister(sessionID)
		return MTResult{}, xerrors.Wrap(xerrors.Semantic, "mt: encoding request", err)
	}

	if err := c.base.write(websocket.TextMessage, payload); err != nil {
		c.base.unregister(sessionID)
		return MTResult{}, err
	}

	msg, err := c.base.awaitResponse(ctx, sessionID, ch)
	if err != nil {
		return MTResult{}, err
	}

	var resp mtResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return MTResult{}, xerrors.Wrap(xerrors.Semantic, "mt: malformed response", err)
	}

	return MTResult{
		SessionID:      resp.SessionID,
		Translation:    resp.Translation,
		SourceLanguage: resp.SourceLanguage,
		TargetLanguage: resp.TargetLanguage,
		Confidence:     resp.Confidence,
		ProcessingMs:   resp.ProcessingMs,
		ModelUsed:      resp.ModelUsed,
		ContextUsed:    resp.ContextUsed,
	}, nil
}
