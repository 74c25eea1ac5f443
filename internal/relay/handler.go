// Package relay bridges browser WebSocket clients to the streaming
// transcription provider, one session per client connection.
package relay

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/stt"
)

var upgrader = websocket.Upgrader{
	// The relay is served to browsers from any origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleClientWS is the entry point for browser WebSocket connections.
// Sessions run on baseCtx, not the request context, so shutdown can wind
// them down after the HTTP server stops accepting connections.
func HandleClientWS(baseCtx context.Context, dialer stt.Dialer, registry *Registry, opts Options) http.HandlerFunc {
	logger := observability.GetLogger()

	return func(w http.ResponseWriter, r *http.Request) {
		// Upgrade has already replied to the client on failure
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		session := NewSession(newWSClient(conn), dialer, opts)
		registry.Add(session)
		defer registry.Remove(session)

		session.Run(baseCtx)
	}
}
