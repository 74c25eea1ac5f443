package relay

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/stt"
	"github.com/lexiqai/speech-relay/internal/transcript"
)

// State is the provider link state of a session
type State int

const (
	StateIdle      State = iota // No provider link
	StateOpening                // Dial in flight
	StateStreaming              // Link open, handshake sent
	StateClosing                // Close requested, waiting for the link to go away
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Options tune a session
type Options struct {
	// FinalizeTimeout closes the link if the provider has not closed it this
	// long after a finalize directive. Zero waits for the provider indefinitely.
	FinalizeTimeout time.Duration
}

// Snapshot is a point-in-time copy of a session's state
type Snapshot struct {
	State     State
	HasLink   bool
	Connected bool
	FinalText string
	Ready     bool
}

// Events posted into the session loop
type (
	clientFrame struct {
		messageType int
		data        []byte
	}
	clientClosed struct {
		err error
	}
	linkOpened struct {
		link stt.Link
	}
	linkFailed struct {
		err error
	}
	linkMessage struct {
		link  stt.Link
		batch *stt.TokenBatch
		err   error
	}
	linkClosed struct {
		link stt.Link
		err  error
	}
	finalizeExpired struct {
		link stt.Link
	}
	inspectRequest struct {
		reply chan Snapshot
	}
)

// Session relays one browser connection to at most one provider link at a
// time. All of its state is owned by the goroutine running Run; the client
// reader, the link reader and the dial only post events to it.
type Session struct {
	id              string
	client          ClientConn
	dialer          stt.Dialer
	finalizeTimeout time.Duration

	// Owned by the event loop
	ctx           context.Context
	state         State
	link          stt.Link
	agg           *transcript.Aggregator
	connected     bool
	clientGone    bool
	pendingStart  bool // start requested while the old link was closing
	finalizeTimer *time.Timer
	logger        zerolog.Logger
	linkLogger    zerolog.Logger

	events  chan interface{}
	stopped chan struct{}
	metrics *observability.Metrics
}

// NewSession creates a session for an accepted client connection
func NewSession(client ClientConn, dialer stt.Dialer, opts Options) *Session {
	id := observability.NewSessionID()
	logger := observability.WithSessionID(id)
	return &Session{
		id:              id,
		client:          client,
		dialer:          dialer,
		finalizeTimeout: opts.FinalizeTimeout,
		state:           StateIdle,
		agg:             transcript.NewAggregator(),
		logger:          logger,
		linkLogger:      logger,
		events:          make(chan interface{}, 64),
		stopped:         make(chan struct{}),
		metrics:         observability.NewSessionMetrics(id),
	}
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// Done is closed once Run has returned
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// Run processes client frames and provider messages until the client is gone
// and no provider link is left. Cancelling ctx closes the client connection,
// which then winds the session down the same way a disconnect does.
func (s *Session) Run(ctx context.Context) {
	s.ctx = ctx
	s.metrics.RecordSessionStart()
	s.logger.Info().Msg("Client connected")

	defer func() {
		s.stopFinalizeTimer()
		close(s.stopped)
		s.metrics.RecordSessionEnd()
		s.logger.Info().Msg("Client session ended")
	}()

	go s.readClient()

	done := ctx.Done()
	for !s.clientGone || s.state != StateIdle {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-done:
			done = nil
			s.logger.Info().Msg("Shutting down client session")
			s.client.Close()
		}
	}
}

// Snapshot returns a copy of the session state
func (s *Session) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case s.events <- inspectRequest{reply: reply}:
		select {
		case snap := <-reply:
			return snap
		case <-s.stopped:
		}
	case <-s.stopped:
	}
	// The loop has exited; its state is no longer written
	return s.snapshot()
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		State:     s.state,
		HasLink:   s.link != nil,
		Connected: s.connected,
		FinalText: s.agg.FinalText(),
		Ready:     s.agg.Ready(),
	}
}

func (s *Session) post(ev interface{}) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

func (s *Session) readClient() {
	for {
		messageType, data, err := s.client.ReadMessage()
		if err != nil {
			s.post(clientClosed{err: err})
			return
		}
		s.post(clientFrame{messageType: messageType, data: data})
	}
}

func (s *Session) readLink(link stt.Link) {
	for {
		batch, err := link.ReadBatch()
		if err != nil {
			if errors.Is(err, stt.ErrMalformedMessage) {
				s.post(linkMessage{link: link, err: err})
				continue
			}
			s.post(linkClosed{link: link, err: err})
			return
		}
		s.post(linkMessage{link: link, batch: batch})
	}
}

func (s *Session) handle(ev interface{}) {
	switch ev := ev.(type) {
	case clientFrame:
		s.handleClientFrame(ev)
	case clientClosed:
		s.handleClientClosed(ev.err)
	case linkOpened:
		s.handleLinkOpened(ev.link)
	case linkFailed:
		s.handleLinkFailed(ev.err)
	case linkMessage:
		s.handleLinkMessage(ev)
	case linkClosed:
		s.handleLinkClosed(ev)
	case finalizeExpired:
		s.handleFinalizeExpired(ev.link)
	case inspectRequest:
		ev.reply <- s.snapshot()
	}
}

func (s *Session) handleClientFrame(frame clientFrame) {
	if frame.messageType == websocket.TextMessage {
		switch string(frame.data) {
		case StartToken:
			s.start()
			return
		case EndToken:
			s.finalize()
			return
		}
	}
	s.forwardAudio(frame.data)
}

func (s *Session) start() {
	if s.state == StateClosing {
		// The old link is already closed on our side; open the next one once it is gone
		s.logger.Debug().Msg("Start received while closing, deferring until the link is gone")
		s.pendingStart = true
		return
	}
	if s.state != StateIdle {
		s.logger.Debug().Str("state", s.state.String()).Msg("Ignoring start, provider link already active")
		return
	}

	s.logger.Info().Msg("Starting provider stream")
	s.agg.Reset(true)
	s.setState(StateOpening)
	s.metrics.RecordDialStart()

	ctx := s.ctx
	go func() {
		link, err := s.dialer.Dial(ctx)
		if err != nil {
			s.post(linkFailed{err: err})
			return
		}
		s.post(linkOpened{link: link})
	}()
}

func (s *Session) finalize() {
	s.agg.Reset(false)
	s.pendingStart = false

	if s.state != StateStreaming {
		s.logger.Debug().Str("state", s.state.String()).Msg("End received without an open provider link")
		return
	}

	s.linkLogger.Info().Msg("Finalizing provider stream")
	if err := s.link.Finalize(); err != nil {
		s.linkLogger.Warn().Err(err).Msg("Failed to send finalize")
		s.metrics.RecordError("finalize_error", "soniox")
		return
	}

	if s.finalizeTimeout > 0 && s.finalizeTimer == nil {
		link := s.link
		s.finalizeTimer = time.AfterFunc(s.finalizeTimeout, func() {
			s.post(finalizeExpired{link: link})
		})
	}
}

func (s *Session) forwardAudio(data []byte) {
	if s.state != StateStreaming {
		s.logger.Trace().Int("bytes", len(data)).Str("state", s.state.String()).Msg("Dropping audio, no open provider link")
		s.metrics.RecordAudioBytes(false, len(data))
		return
	}

	if err := s.link.SendAudio(data); err != nil {
		s.linkLogger.Warn().Err(err).Msg("Failed to forward audio")
		s.metrics.RecordError("audio_send_error", "soniox")
		return
	}
	s.metrics.RecordAudioBytes(true, len(data))
}

func (s *Session) handleClientClosed(err error) {
	s.clientGone = true
	s.pendingStart = false

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure ||
		closeErr.Code == websocket.CloseGoingAway ||
		closeErr.Code == websocket.CloseNoStatusReceived) {
		s.logger.Info().Int("code", closeErr.Code).Msg("Client disconnected")
	} else {
		s.logger.Warn().Err(err).Msg("Client connection error")
		s.metrics.RecordError("client_error", "relay")
	}

	// An in-flight dial is left to finish; handleLinkOpened closes the result
	if s.state == StateStreaming {
		s.closeLink("client disconnected")
	}
}

func (s *Session) handleLinkOpened(link stt.Link) {
	s.metrics.RecordDialEnd(true)
	s.link = link
	s.linkLogger = s.logger.With().Str("link_id", link.ID()).Logger()
	go s.readLink(link)

	if s.clientGone {
		s.closeLink("client disconnected while opening")
		return
	}

	s.linkLogger.Info().Msg("Connected to Soniox")
	s.setState(StateStreaming)
}

func (s *Session) handleLinkFailed(err error) {
	s.metrics.RecordDialEnd(false)
	s.metrics.RecordError("dial_error", "soniox")
	s.logger.Error().Err(err).Msg("Failed to open provider link")

	s.connected = false
	s.setState(StateIdle)
}

func (s *Session) handleLinkMessage(msg linkMessage) {
	if msg.link != s.link {
		return
	}

	if msg.err != nil {
		s.linkLogger.Warn().Err(msg.err).Msg("Skipping provider message")
		s.metrics.RecordError("protocol_error", "soniox")
		return
	}

	update, err := s.agg.Consume(msg.batch)
	if err != nil {
		var providerErr *stt.ProviderError
		if errors.As(err, &providerErr) {
			s.linkLogger.Warn().
				Str("error_code", providerErr.Code).
				Str("error_message", providerErr.Message).
				Msg("Provider reported an error")
		}
		s.metrics.RecordError("provider_error", "soniox")
		return
	}

	if !s.connected {
		s.connected = true
		s.send(MessageConnected, "true")
	}

	if update.EndOfUtterance && s.state == StateStreaming {
		s.closeLink("end of utterance")
	}

	if update.Finished {
		s.linkLogger.Info().Msg("Transcription done")
	}

	if update.Partial != "" {
		s.send(MessagePartial, update.Partial)
		s.metrics.RecordTranscript(MessagePartial)
	}
}

func (s *Session) handleLinkClosed(ev linkClosed) {
	if ev.link != s.link {
		return
	}

	// Releases the socket when the provider initiated the close
	ev.link.Close()

	if s.state == StateClosing || websocket.IsCloseError(ev.err, websocket.CloseNormalClosure) {
		s.linkLogger.Info().Msg("Provider link closed")
	} else {
		s.linkLogger.Warn().Err(ev.err).Msg("Provider link lost")
		s.metrics.RecordError("link_error", "soniox")
	}

	s.stopFinalizeTimer()
	s.metrics.RecordLinkClosed()
	s.link = nil
	s.connected = false
	s.linkLogger = s.logger
	s.setState(StateIdle)

	if text, ok := s.agg.Flush(); ok {
		s.logger.Info().Int("chars", len(text)).Msg("Sending final transcript")
		s.send(MessageFinal, text)
		s.metrics.RecordTranscript(MessageFinal)
	}

	if s.pendingStart {
		s.pendingStart = false
		s.start()
	}
}

func (s *Session) handleFinalizeExpired(link stt.Link) {
	s.finalizeTimer = nil
	if link != s.link || s.state != StateStreaming {
		return
	}
	s.linkLogger.Warn().Dur("timeout", s.finalizeTimeout).Msg("Provider did not close the link after finalize")
	s.closeLink("finalize timeout")
}

func (s *Session) closeLink(reason string) {
	s.linkLogger.Info().Str("reason", reason).Msg("Closing provider link")
	s.setState(StateClosing)
	s.stopFinalizeTimer()
	if err := s.link.Close(); err != nil {
		s.linkLogger.Debug().Err(err).Msg("Error closing provider link")
	}
}

func (s *Session) stopFinalizeTimer() {
	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
		s.finalizeTimer = nil
	}
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug().Str("from", s.state.String()).Str("to", state.String()).Msg("Session state change")
	s.state = state
}

func (s *Session) send(messageType, text string) {
	if s.clientGone {
		s.logger.Debug().Str("type", messageType).Msg("Client gone, dropping message")
		return
	}
	if err := s.client.WriteJSON(OutboundMessage{Type: messageType, Text: text}); err != nil {
		s.logger.Warn().Err(err).Str("type", messageType).Msg("Failed to write to client")
		s.metrics.RecordError("client_write_error", "relay")
	}
}
