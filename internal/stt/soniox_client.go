package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

const (
	// Soniox detects the container and codec from the stream itself
	audioFormatAuto = "auto"

	closeWriteWait = time.Second
)

type controlMessage struct {
	Type string `json:"type"`
}

// SonioxDialer opens links to the Soniox real-time WebSocket API
type SonioxDialer struct {
	url            string
	handshake      Handshake
	dialer         *websocket.Dialer
	timeout        time.Duration
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewSonioxDialer creates a dialer from the relay configuration
func NewSonioxDialer(cfg *config.Config) *SonioxDialer {
	circuitBreaker := resilience.NewCircuitBreaker(
		"soniox",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &SonioxDialer{
		url: cfg.SonioxURL,
		handshake: Handshake{
			APIKey:        cfg.SonioxAPIKey,
			AudioFormat:   audioFormatAuto,
			Model:         cfg.SonioxModel,
			LanguageHints: cfg.SonioxLanguageHints,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout(),
		},
		timeout:        cfg.DialTimeout(),
		circuitBreaker: circuitBreaker,
		logger:         observability.GetLogger().With().Str("component", "soniox").Logger(),
	}
}

// CircuitBreaker exposes the breaker guarding Dial, for readiness checks
func (d *SonioxDialer) CircuitBreaker() *resilience.CircuitBreaker {
	return d.circuitBreaker
}

// Dial opens a new link and sends the configuration handshake on it.
// Failures are not retried. A dial abandoned because ctx was cancelled does
// not count against the circuit breaker.
func (d *SonioxDialer) Dial(ctx context.Context) (Link, error) {
	var link *sonioxLink
	err := d.circuitBreaker.CallContext(ctx, func(ctx context.Context) error {
		var err error
		link, err = d.dial(ctx)
		return err
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) && ctx.Err() == nil {
			observability.IncrementCircuitBreakerFailures(d.circuitBreaker.Name())
		}
		return nil, err
	}
	return link, nil
}

func (d *SonioxDialer) dial(ctx context.Context) (*sonioxLink, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.handshake.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to Soniox (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to Soniox: %w", err)
	}

	link := &sonioxLink{
		id:   uuid.New().String(),
		conn: conn,
	}

	// Exactly one handshake per link, before anything else is written
	if err := conn.WriteJSON(d.handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send Soniox handshake: %w", err)
	}

	d.logger.Debug().
		Str("link_id", link.id).
		Str("model", d.handshake.Model).
		Strs("language_hints", d.handshake.LanguageHints).
		Msg("Soniox link opened")
	return link, nil
}

// sonioxLink is a single Soniox WebSocket connection
type sonioxLink struct {
	id        string
	conn      *websocket.Conn
	closed    atomic.Bool
	closeOnce sync.Once
}

func (l *sonioxLink) ID() string {
	return l.id
}

func (l *sonioxLink) SendAudio(data []byte) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio to Soniox: %w", err)
	}
	return nil
}

func (l *sonioxLink) Finalize() error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	if err := l.conn.WriteJSON(controlMessage{Type: "finalize"}); err != nil {
		return fmt.Errorf("failed to send finalize to Soniox: %w", err)
	}
	return nil
}

func (l *sonioxLink) ReadBatch() (*TokenBatch, error) {
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var batch TokenBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &batch, nil
}

func (l *sonioxLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		// Best effort close handshake; the peer may already be gone
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait),
		)
		err = l.conn.Close()
	})
	return err
}
