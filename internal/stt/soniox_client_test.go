package stt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

type receivedFrame struct {
	messageType int
	data        []byte
}

// fakeSoniox accepts one link at a time and records what the relay sends
type fakeSoniox struct {
	server   *httptest.Server
	auth     chan string
	frames   chan receivedFrame
	conns    chan *websocket.Conn
	upgrader websocket.Upgrader
}

func newFakeSoniox(t *testing.T) *fakeSoniox {
	t.Helper()
	f := &fakeSoniox{
		auth:   make(chan string, 4),
		frames: make(chan receivedFrame, 64),
		conns:  make(chan *websocket.Conn, 4),
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.auth <- r.Header.Get("Authorization")
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				close(f.frames)
				return
			}
			f.frames <- receivedFrame{messageType: mt, data: data}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeSoniox) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeSoniox) nextFrame(t *testing.T) receivedFrame {
	t.Helper()
	select {
	case frame, ok := <-f.frames:
		if !ok {
			t.Fatal("Provider connection closed while waiting for a frame")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a frame")
	}
	return receivedFrame{}
}

func (f *fakeSoniox) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for provider connection")
	}
	return nil
}

func testConfig(url string) *config.Config {
	return &config.Config{
		SonioxAPIKey:               "test-key",
		SonioxURL:                  url,
		SonioxModel:                "stt-rt-preview",
		SonioxLanguageHints:        []string{"sl", "en"},
		SonioxDialTimeout:          2,
		CircuitBreakerMaxFailures:  2,
		CircuitBreakerResetTimeout: 30,
	}
}

func TestSonioxDialer_Handshake(t *testing.T) {
	provider := newFakeSoniox(t)
	dialer := NewSonioxDialer(testConfig(provider.url()))

	link, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer link.Close()

	if auth := <-provider.auth; auth != "Bearer test-key" {
		t.Errorf("Expected bearer credential, got '%s'", auth)
	}

	frame := provider.nextFrame(t)
	if frame.messageType != websocket.TextMessage {
		t.Fatalf("Expected handshake as text frame, got type %d", frame.messageType)
	}

	var hs Handshake
	if err := json.Unmarshal(frame.data, &hs); err != nil {
		t.Fatalf("Failed to decode handshake: %v", err)
	}
	if hs.APIKey != "test-key" || hs.AudioFormat != "auto" || hs.Model != "stt-rt-preview" {
		t.Errorf("Unexpected handshake: %+v", hs)
	}
	if len(hs.LanguageHints) != 2 || hs.LanguageHints[0] != "sl" || hs.LanguageHints[1] != "en" {
		t.Errorf("Unexpected language hints: %v", hs.LanguageHints)
	}

	if link.ID() == "" {
		t.Error("Expected link to have an ID")
	}
}

func TestSonioxLink_AudioAndFinalize(t *testing.T) {
	provider := newFakeSoniox(t)
	dialer := NewSonioxDialer(testConfig(provider.url()))

	link, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer link.Close()
	provider.nextFrame(t) // handshake

	audio := []byte{0x1a, 0x45, 0xdf, 0xa3}
	if err := link.SendAudio(audio); err != nil {
		t.Fatalf("SendAudio() failed: %v", err)
	}
	frame := provider.nextFrame(t)
	if frame.messageType != websocket.BinaryMessage || string(frame.data) != string(audio) {
		t.Errorf("Expected audio forwarded verbatim as binary, got type %d data %v", frame.messageType, frame.data)
	}

	if err := link.Finalize(); err != nil {
		t.Fatalf("Finalize() failed: %v", err)
	}
	frame = provider.nextFrame(t)
	var msg map[string]string
	if err := json.Unmarshal(frame.data, &msg); err != nil {
		t.Fatalf("Failed to decode finalize: %v", err)
	}
	if msg["type"] != "finalize" {
		t.Errorf("Expected finalize directive, got %v", msg)
	}
}

func TestSonioxLink_ReadBatch(t *testing.T) {
	provider := newFakeSoniox(t)
	dialer := NewSonioxDialer(testConfig(provider.url()))

	link, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer link.Close()
	conn := provider.conn(t)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"tokens":[{"text":"hel","is_final":false},{"text":"lo","is_final":true}],"finished":true}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"error_code":"E1","error_message":"bad audio"}`))

	batch, err := link.ReadBatch()
	if err != nil {
		t.Fatalf("ReadBatch() failed: %v", err)
	}
	if len(batch.Tokens) != 2 || batch.Tokens[0].Text != "hel" || batch.Tokens[0].IsFinal || !batch.Tokens[1].IsFinal {
		t.Errorf("Unexpected tokens: %+v", batch.Tokens)
	}
	if !batch.Finished {
		t.Error("Expected finished flag")
	}

	_, err = link.ReadBatch()
	if !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("Expected ErrMalformedMessage, got %v", err)
	}

	batch, err = link.ReadBatch()
	if err != nil {
		t.Fatalf("Expected link to survive a malformed message, got %v", err)
	}
	var providerErr *ProviderError
	if !errors.As(batch.Err(), &providerErr) || providerErr.Code != "E1" {
		t.Errorf("Expected provider error E1, got %v", batch.Err())
	}
}

func TestSonioxLink_Close(t *testing.T) {
	provider := newFakeSoniox(t)
	dialer := NewSonioxDialer(testConfig(provider.url()))

	link, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	provider.nextFrame(t) // handshake

	readErr := make(chan error, 1)
	go func() {
		_, err := link.ReadBatch()
		readErr <- err
	}()

	if err := link.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	// Idempotent
	link.Close()

	select {
	case err := <-readErr:
		if err == nil || errors.Is(err, ErrMalformedMessage) {
			t.Errorf("Expected fatal read error after close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadBatch did not return after Close")
	}

	if err := link.SendAudio([]byte{1}); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Expected ErrLinkClosed, got %v", err)
	}
	if err := link.Finalize(); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Expected ErrLinkClosed, got %v", err)
	}
}

func TestSonioxDialer_FailureOpensCircuit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	dialer := NewSonioxDialer(testConfig("ws" + strings.TrimPrefix(server.URL, "http")))

	for i := 0; i < 2; i++ {
		link, err := dialer.Dial(context.Background())
		if err == nil {
			link.Close()
			t.Fatal("Expected dial to fail against a non-WebSocket endpoint")
		}
		if !strings.Contains(err.Error(), "status 401") {
			t.Errorf("Expected status code in error, got %v", err)
		}
	}

	_, err := dialer.Dial(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen after repeated failures, got %v", err)
	}
	if dialer.CircuitBreaker().GetState() != resilience.StateOpen {
		t.Errorf("Expected breaker to be open, got %s", dialer.CircuitBreaker().GetState())
	}
}

func TestSonioxDialer_CancelledDialKeepsCircuitClosed(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold the handshake until the client gives up
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	dialer := NewSonioxDialer(testConfig("ws" + strings.TrimPrefix(server.URL, "http")))

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := dialer.Dial(ctx)
		cancel()
		if err == nil {
			t.Fatal("Expected cancelled dial to fail")
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			t.Fatalf("Expected cancelled dials not to open the circuit (attempt %d)", i+1)
		}
	}

	if dialer.CircuitBreaker().GetState() != resilience.StateClosed {
		t.Errorf("Expected breaker to stay closed, got %s", dialer.CircuitBreaker().GetState())
	}
}
