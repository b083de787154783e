package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// startSessionedServer starts a websocket test server that upgrades each
// connection and hands it to handler, which decides what to read and what
// to reply (with or without a session_id).
func startSessionedServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
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

func TestMTClientTranslateRoundTrip(t *testing.T) {
	wsURL := startSessionedServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req mtRequest
		json.Unmarshal(msg, &req)

		resp := mtResponse{
			SessionID:      req.SessionID,
			Translation:    "hola mundo",
			SourceLanguage: req.SourceLanguage,
			TargetLanguage: req.TargetLanguage,
			Confidence:     0.9,
		}
		b, _ := json.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, b)
	})

	client := NewMTClient(wsURL, time.Second, time.Second, 2*time.Second)
	defer client.Close()

	result, err := client.Translate(context.Background(), MTRequest{
		Text: "hello world", SourceLanguage: "en", TargetLanguage: "es",
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Translation != "hola mundo" {
		t.Errorf("Translation = %q", result.Translation)
	}
}

func TestMTClientDropsUnmatchedSessionID(t *testing.T) {
	wsURL := startSessionedServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		// Respond with a session id that does not match any pending request.
		resp := mtResponse{SessionID: "bogus-id", Translation: "ignored"}
		b, _ := json.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, b)
	})

	client := NewMTClient(wsURL, time.Second, time.Second, 300*time.Millisecond)
	defer client.Close()

	_, err := client.Translate(context.Background(), MTRequest{Text: "x", SourceLanguage: "en", TargetLanguage: "es"})
	if err == nil {
		t.Fatal("expected timeout error since the only response was for an unmatched session_id")
	}
}

func TestSTTClientDegradedOldestPendingOnMissingSessionID(t *testing.T) {
	wsURL := startSessionedServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		resp := sttResponse{Text: "no session id here", Confidence: 0.8, Language: "en", IsFinal: true}
		b, _ := json.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, b)
	})

	client := NewSTTClient(wsURL, time.Second, time.Second, 2*time.Second)
	defer client.Close()

	result, err := client.Transcribe(context.Background(), []int16{1, 2, 3})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if result.Text != "no session id here" {
		t.Errorf("Text = %q, expected degraded-mode pairing to succeed", result.Text)
	}
}

func TestTTSClientStreamsUntilFinal(t *testing.T) {
	wsURL := startSessionedServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req ttsRequest
		json.Unmarshal(msg, &req)

		chunk1 := ttsResponse{SessionID: req.SessionID, SampleRate: 16000, IsFinal: false}
		audio := "AAABAAIAAwA=" // arbitrary base64 bytes
		chunk1.AudioChunkB64 = &audio
		b1, _ := json.Marshal(chunk1)
		conn.WriteMessage(websocket.TextMessage, b1)

		chunk2 := ttsResponse{SessionID: req.SessionID, SampleRate: 16000, IsFinal: true}
		b2, _ := json.Marshal(chunk2)
		conn.WriteMessage(websocket.TextMessage, b2)
	})

	client := NewTTSClient(wsURL, time.Second, time.Second, 2*time.Second)
	defer client.Close()

	ch, err := client.Synthesize(context.Background(), TTSRequest{Text: "hello", VoiceID: "v1", Language: "es"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	var chunks []TTSChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if !chunks[1].Final {
		t.Errorf("last chunk should be Final")
	}
	if len(chunks[0].Audio) == 0 {
		t.Errorf("first chunk should have decoded audio")
	}
}

func TestEnsureConnectedIsLazy(t *testing.T) {
	client := NewMTClient("ws://127.0.0.1:1/does-not-exist", 50*time.Millisecond, time.Second, time.Second)
	if state := client.State(); state != "disconnected" {
		t.Fatalf("State() = %q before first use, want disconnected", state)
	}
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	client := NewMTClient("ws://127.0.0.1:1/does-not-exist", 20*time.Millisecond, time.Second, time.Second)
	defer client.Close()

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = client.Translate(context.Background(), MTRequest{Text: "x", SourceLanguage: "en", TargetLanguage: "es"})
	}
	if lastErr == nil {
		t.Fatal("expected dial failures to eventually surface an error")
	}
	if !strings.Contains(client.base.breaker.State(), "open") {
		t.Errorf("breaker state = %q, want open after repeated failures", client.base.breaker.State())
	}
}
