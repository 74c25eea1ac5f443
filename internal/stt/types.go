package stt

import (
	"context"
	"errors"
	"fmt"
)

// EndOfUtteranceToken is the final token text Soniox emits once a finalize
// request has been fully processed. It carries no transcript text.
const EndOfUtteranceToken = "<fin>"

var (
	// ErrMalformedMessage marks a provider message that could not be decoded.
	// The link is still usable after it.
	ErrMalformedMessage = errors.New("malformed provider message")

	// ErrLinkClosed is returned when writing to a link that was already closed
	ErrLinkClosed = errors.New("provider link closed")
)

// Handshake is the configuration message sent once right after the link opens
type Handshake struct {
	APIKey        string   `json:"api_key"`
	AudioFormat   string   `json:"audio_format"`
	Model         string   `json:"model"`
	LanguageHints []string `json:"language_hints"`
}

// Token is one transcribed fragment
type Token struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// TokenBatch is one message received from the provider
type TokenBatch struct {
	Tokens       []Token `json:"tokens"`
	ErrorCode    string  `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Finished     bool    `json:"finished,omitempty"`
}

// Err returns the application error carried by the batch, if any
func (b *TokenBatch) Err() error {
	if b.ErrorCode == "" {
		return nil
	}
	return &ProviderError{Code: b.ErrorCode, Message: b.ErrorMessage}
}

// ProviderError is an error reported by the provider inside a message.
// It does not close the link.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// Link is one open connection to the transcription provider.
// Writes and ReadBatch may run on different goroutines, but each
// of them must only be used from a single goroutine at a time.
type Link interface {
	// ID identifies the link in logs
	ID() string

	// SendAudio forwards a raw audio chunk verbatim
	SendAudio(data []byte) error

	// Finalize asks the provider to finalize all pending tokens
	Finalize() error

	// ReadBatch blocks for the next provider message. Errors wrapping
	// ErrMalformedMessage are recoverable; any other error means the link is gone.
	ReadBatch() (*TokenBatch, error)

	// Close closes the link; a blocked ReadBatch returns an error afterwards
	Close() error
}

// Dialer opens provider links
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}
