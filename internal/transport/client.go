package transport

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nasr-live/translate-worker/internal/xerrors"
)

// connState is the connection lifecycle state machine shared by every
// transport client: Disconnected → Connecting → Connected → Draining →
// Disconnected. Reconnect is lazy and demand-driven — there is no
// background reconnect loop; the next call that needs the connection
// triggers ensureConnected.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateDraining
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDraining:
		return "draining"
	default:
		return "disconnected"
	}
}

// pendingEntry is one in-flight request awaiting a correlated response.
// streaming entries (TTS) stay registered across multiple frames until a
// response with is_final=true arrives; non-streaming entries (STT, MT) are
// removed after their single response.
type pendingEntry struct {
	sessionID string
	ch        chan []byte
	streaming bool
}

// baseClient owns one websocket connection shared across every caller
// (speaker pipeline) that needs this service — grounded on spec §5's
// "Transport clients are shared across all speakers (one connection per
// service)" and on the teacher's reader/writer goroutine split in
// internal/aws/transcribe.go (TranscribeStream.run / receiveResults).
type baseClient struct {
	name string
	url  string

	dialTimeout  time.Duration
	writeTimeout time.Duration
	readTimeout  time.Duration

	breaker *circuitBreaker

	// allowDegradedOldestOnMissingSessionID implements the one documented
	// carve-out in spec §6: the STT wire protocol permits pairing a
	// response that has NO session_id at all with the oldest pending
	// request (logged as degraded). This does not apply to responses that
	// carry an unknown/unmatched session_id — those are always dropped,
	// for every client, per the general correlation rule in §4.1.
	allowDegradedOldestOnMissingSessionID bool

	// writeMu serializes writes: a websocket connection allows only one
	// concurrent writer, and many callers share this client.
	writeMu sync.Mutex

	mu      sync.Mutex
	state   connState
	conn    *websocket.Conn
	pending map[string]*pendingEntry
	order   *list.List // FIFO of session ids, for the degraded oldest-pending fallback
}

func newBaseClient(name, url string, dialTimeout, writeTimeout, readTimeout time.Duration) *baseClient {
	return &baseClient{
		name:         name,
		url:          url,
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
		breaker:      newCircuitBreaker(name, 5, 2, 30*time.Second),
		pending:      make(map[string]*pendingEntry),
		order:        list.New(),
	}
}

// State reports the current lifecycle state, for the status/health surface.
func (c *baseClient) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// ensureConnected dials the connection if it is not already Connected,
// respecting the circuit breaker and caller's context deadline.
func (c *baseClient) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.state == stateConnecting {
		c.mu.Unlock()
		return xerrors.New(xerrors.Transport, c.name+": connect already in progress")
	}
	c.state = stateConnecting
	c.mu.Unlock()

	if !c.breaker.Allow() {
		c.setState(stateDisconnected)
		return xerrors.New(xerrors.Transport, c.name+": circuit open, refusing to dial")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		c.breaker.RecordFailure()
		c.setState(stateDisconnected)
		return xerrors.Wrap(xerrors.Transport, c.name+": dial failed", err)
	}

	c.breaker.RecordSuccess()

	c.mu.Lock()
	c.conn = conn
	c.state = stateConnected
	c.mu.Unlock()

	go c.readLoop(conn)

	log.Printf("[transport:%s] connected to %s", c.name, c.url)
	return nil
}

func (c *baseClient) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// register allocates a pending-completion slot for sessionID, returning the
// channel the caller should block on for the response.
func (c *baseClient) register(sessionID string) chan []byte {
	return c.registerEntry(sessionID, false, 1)
}

// registerStream allocates a pending-completion slot that stays registered
// across multiple response frames (TTS streaming) until a frame with
// is_final=true is dispatched.
func (c *baseClient) registerStream(sessionID string, bufSize int) chan []byte {
	return c.registerEntry(sessionID, true, bufSize)
}

func (c *baseClient) registerEntry(sessionID string, streaming bool, bufSize int) chan []byte {
	ch := make(chan []byte, bufSize)
	c.mu.Lock()
	c.pending[sessionID] = &pendingEntry{sessionID: sessionID, ch: ch, streaming: streaming}
	c.order.PushBack(sessionID)
	c.mu.Unlock()
	return ch
}

// unregister releases a pending-completion slot without waiting for a
// response — used when the caller's context is cancelled, per §5's
// cancellation rule that a cancelled subtask releases its pending slot.
func (c *baseClient) unregister(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, sessionID)
	c.removeFromOrderLocked(sessionID)
}

func (c *baseClient) removeFromOrderLocked(sessionID string) {
	for e := c.order.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == sessionID {
			c.order.Remove(e)
			return
		}
	}
}

// write sends one message on the live connection, applying the write
// deadline. Writes from concurrent callers are serialized via c.writeMu.
func (c *baseClient) write(messageType int, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return xerrors.New(xerrors.Transport, c.name+": not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return xerrors.Wrap(xerrors.Transport, c.name+": set write deadline", err)
	}
	if err := conn.WriteMessage(messageType, payload); err != nil {
		return xerrors.Wrap(xerrors.Transport, c.name+": write failed", err)
	}
	return nil
}

// sessionEnvelope is used only to peek at session_id/is_final before fully
// decoding a typed response.
type sessionEnvelope struct {
	SessionID string `json:"session_id"`
	IsFinal   bool   `json:"is_final"`
}

// readLoop is the single reader goroutine for this connection, started once
// per successful connect. On any read error it drains every pending
// request with a transport error and transitions the client through
// Draining back to Disconnected, matching the teacher's
// streamTimeoutChecker/onDead cleanup pairing in internal/aws/pipeline.go
// and internal/aws/stream_manager.go, generalized from "AWS stream died" to
// "websocket connection died".
func (c *baseClient) readLoop(conn *websocket.Conn) {
	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[transport:%s] read error, draining: %v", c.name, err)
			c.drain(conn)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *baseClient) dispatch(msg []byte) {
	var env sessionEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Printf("[transport:%s] malformed response: %v", c.name, err)
		return
	}

	if env.SessionID == "" {
		if c.allowDegradedOldestOnMissingSessionID {
			c.completeOldest(msg)
			return
		}
		log.Printf("[transport:%s] dropping response with no session_id", c.name)
		return
	}

	c.mu.Lock()
	entry, ok := c.pending[env.SessionID]
	if ok && (!entry.streaming || env.IsFinal) {
		delete(c.pending, env.SessionID)
		c.removeFromOrderLocked(env.SessionID)
	}
	c.mu.Unlock()

	if !ok {
		log.Printf("[transport:%s] dropping response with unknown session_id=%s", c.name, env.SessionID)
		return
	}
	entry.ch <- msg
}

// completeOldest implements the one documented degraded-mode carve-out
// (STT only, response with NO session_id at all): complete the oldest
// still-pending request and log it.
func (c *baseClient) completeOldest(msg []byte) {
	c.mu.Lock()
	front := c.order.Front()
	if front == nil {
		c.mu.Unlock()
		log.Printf("[transport:%s] degraded-mode response but no pending requests", c.name)
		return
	}
	sessionID := front.Value.(string)
	c.order.Remove(front)
	entry := c.pending[sessionID]
	delete(c.pending, sessionID)
	c.mu.Unlock()

	log.Printf("[transport:%s] DEGRADED: response missing session_id, paired with oldest pending %s", c.name, sessionID)
	if entry != nil {
		entry.ch <- msg
	}
}

func (c *baseClient) drain(deadConn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == deadConn {
		c.state = stateDraining
	}
	pending := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.order = list.New()
	c.conn = nil
	c.mu.Unlock()

	for _, entry := range pending {
		close(entry.ch)
	}

	_ = deadConn.Close()
	c.setState(stateDisconnected)
}

// Close transitions to Draining and tears down the connection, releasing
// every pending caller with a closed channel.
func (c *baseClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.state = stateDraining
	c.mu.Unlock()

	if conn == nil {
		c.setState(stateDisconnected)
		return nil
	}
	c.drain(conn)
	return nil
}

var errTimeout = errors.New("transport: response timed out")

// awaitResponse blocks on ch until a response arrives, ctx is cancelled, or
// readTimeout elapses — whichever first. On cancellation it unregisters the
// pending slot so the registry never grows unbounded with abandoned
// requests.
func (c *baseClient) awaitResponse(ctx context.Context, sessionID string, ch chan []byte) ([]byte, error) {
	timer := time.NewTimer(c.readTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, xerrors.New(xerrors.Transport, c.name+": connection closed while awaiting response")
		}
		return msg, nil
	case <-timer.C:
		c.unregister(sessionID)
		return nil, xerrors.Wrap(xerrors.Timeout, fmt.Sprintf("%s: response timed out after %s", c.name, c.readTimeout), errTimeout)
	case <-ctx.Done():
		c.unregister(sessionID)
		return nil, ctx.Err()
	}
}
