// Package api serves the request/response endpoints next to the relay:
// the provider key lookup and the one-shot Gemini requests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
)

// Assistant answers the one-shot generative-AI requests
type Assistant interface {
	TranscribeAudio(ctx context.Context, audio io.Reader, mimeType string) (string, error)
	Answer(ctx context.Context, question string) (string, error)
}

const audioField = "audio"

// ProviderKeyHandler returns the provider credential for browser-side clients
func ProviderKeyHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"key": cfg.SonioxAPIKey})
	}
}

// TranscribeHandler transcribes a multipart audio upload.
// A nil assistant answers 503.
func TranscribeHandler(assistant Assistant, maxBytes int64) http.HandlerFunc {
	logger := observability.GetLogger().With().Str("handler", "transcribe").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		if assistant == nil {
			http.Error(w, "Transcription is not configured", http.StatusServiceUnavailable)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		file, header, err := r.FormFile(audioField)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				http.Error(w, "Audio file too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "No audio file received", http.StatusBadRequest)
			return
		}
		defer file.Close()

		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		logger.Info().
			Str("filename", header.Filename).
			Str("mime_type", mimeType).
			Int64("bytes", header.Size).
			Msg("Received audio upload")

		text, err := assistant.TranscribeAudio(r.Context(), file, mimeType)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to transcribe audio")
			http.Error(w, "Failed to transcribe audio", http.StatusBadGateway)
			return
		}

		writeJSON(w, http.StatusOK, text)
	}
}

// QuestionHandler answers a board-game rules question from ?question=
func QuestionHandler(assistant Assistant) http.HandlerFunc {
	logger := observability.GetLogger().With().Str("handler", "question").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		question := r.URL.Query().Get("question")
		if question == "" {
			http.Error(w, "Missing `question` parameter", http.StatusBadRequest)
			return
		}
		if assistant == nil {
			http.Error(w, "Question answering is not configured", http.StatusServiceUnavailable)
			return
		}

		logger.Info().Str("question", question).Msg("Received question")

		answer, err := assistant.Answer(r.Context(), question)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to answer question")
			http.Error(w, "Failed to answer question", http.StatusBadGateway)
			return
		}

		writeJSON(w, http.StatusOK, answer)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
