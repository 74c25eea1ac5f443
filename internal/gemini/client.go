// Package gemini serves the one-shot generative-AI requests: transcribing an
// uploaded audio file and answering a board-game rules question.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

const (
	transcribePrompt = "Output only the text from the audio file and nothing else."

	rulesExpertInstruction = "You are an expert on board game rules. Answer the player's question " +
		"about the rules accurately and concisely. If the question is ambiguous, state the most " +
		"common interpretation of the official rules."

	filePollInterval = 500 * time.Millisecond
	filePollLimit    = 60
)

// ErrEmptyResponse is returned when the model produced no text
var ErrEmptyResponse = errors.New("model returned no text")

// Client wraps a Gemini client with retries and a circuit breaker
type Client struct {
	client      *genai.Client
	modelName   string
	breaker     *resilience.CircuitBreaker
	retryConfig *resilience.RetryConfig
	logger      zerolog.Logger
}

// NewClient creates a Gemini client from configuration
func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	if !cfg.GeminiEnabled() {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	breaker := resilience.NewCircuitBreaker("gemini", cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	retryConfig := resilience.DefaultRetryConfig()
	retryConfig.MaxAttempts = cfg.RetryMaxAttempts
	retryConfig.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return &Client{
		client:      client,
		modelName:   cfg.GeminiModel,
		breaker:     breaker,
		retryConfig: retryConfig,
		logger:      observability.GetLogger().With().Str("component", "gemini").Logger(),
	}, nil
}

// CircuitBreaker returns the breaker guarding Gemini calls
func (c *Client) CircuitBreaker() *resilience.CircuitBreaker {
	return c.breaker
}

// TranscribeAudio uploads an audio file and returns its transcription
func (c *Client) TranscribeAudio(ctx context.Context, audio io.Reader, mimeType string) (string, error) {
	start := time.Now()

	file, err := c.client.UploadFile(ctx, "", audio, &genai.UploadFileOptions{MIMEType: mimeType})
	if err != nil {
		observability.RecordGeminiRequest("transcribe", false, time.Since(start))
		return "", fmt.Errorf("failed to upload audio: %w", err)
	}
	defer func() {
		// The request context may already be done
		deleteCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.client.DeleteFile(deleteCtx, file.Name); err != nil {
			c.logger.Warn().Err(err).Str("file", file.Name).Msg("Failed to delete uploaded audio")
		}
	}()

	file, err = c.waitForFile(ctx, file)
	if err != nil {
		observability.RecordGeminiRequest("transcribe", false, time.Since(start))
		return "", err
	}

	model := c.client.GenerativeModel(c.modelName)
	text, err := c.generate(ctx, model,
		genai.FileData{URI: file.URI, MIMEType: file.MIMEType},
		genai.Text(transcribePrompt),
	)
	observability.RecordGeminiRequest("transcribe", err == nil, time.Since(start))
	if err != nil {
		return "", err
	}

	c.logger.Info().
		Str("file", file.Name).
		Int("chars", len(text)).
		Dur("duration", time.Since(start)).
		Msg("Transcribed uploaded audio")
	return text, nil
}

// Answer answers a board-game rules question
func (c *Client) Answer(ctx context.Context, question string) (string, error) {
	start := time.Now()

	model := c.client.GenerativeModel(c.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(rulesExpertInstruction)},
	}

	text, err := c.generate(ctx, model, genai.Text(question))
	observability.RecordGeminiRequest("answer", err == nil, time.Since(start))
	if err != nil {
		return "", err
	}

	c.logger.Info().Int("chars", len(text)).Dur("duration", time.Since(start)).Msg("Answered question")
	return text, nil
}

// Close releases the underlying client
func (c *Client) Close() error {
	return c.client.Close()
}

// generate runs one content request through the breaker with retries
func (c *Client) generate(ctx context.Context, model *genai.GenerativeModel, parts ...genai.Part) (string, error) {
	return c.generateWith(ctx, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		return model.GenerateContent(ctx, parts...)
	})
}

type generateFunc func(ctx context.Context) (*genai.GenerateContentResponse, error)

func (c *Client) generateWith(ctx context.Context, call generateFunc) (string, error) {
	var text string
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		err := c.breaker.CallContext(ctx, func(ctx context.Context) error {
			resp, err := call(ctx)
			if err != nil {
				return err
			}
			text = strings.TrimSpace(responseText(resp))
			return nil
		})
		if err != nil {
			if !errors.Is(err, resilience.ErrCircuitOpen) && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Gemini request failed")
				observability.IncrementCircuitBreakerFailures(c.breaker.Name())
			}
			return err
		}
		// An empty candidate list is usually transient
		if text == "" {
			return resilience.NewRetryableError(ErrEmptyResponse)
		}
		return nil
	}, c.retryConfig, isRetryable)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	return text, nil
}

// waitForFile polls until an uploaded file has been processed
func (c *Client) waitForFile(ctx context.Context, file *genai.File) (*genai.File, error) {
	for i := 0; file.State == genai.FileStateProcessing; i++ {
		if i >= filePollLimit {
			return nil, fmt.Errorf("uploaded file %s still processing", file.Name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(filePollInterval):
		}

		var err error
		file, err = c.client.GetFile(ctx, file.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to get uploaded file: %w", err)
		}
	}

	if file.State == genai.FileStateFailed {
		return nil, fmt.Errorf("processing of uploaded file %s failed", file.Name)
	}
	return file, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	return text.String()
}

// isRetryable retries transient failures but never an open circuit
func isRetryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}

	return resilience.IsRetryableNetworkError(err)
}
