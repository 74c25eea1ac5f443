// Package transcript turns provider token batches into partial and final
// transcript text for one relay session.
package transcript

import (
	"strings"

	"github.com/lexiqai/speech-relay/internal/stt"
)

// Update is what one provider message produced
type Update struct {
	// Partial is the concatenated non-final text of this message only
	Partial string

	// EndOfUtterance is set when the message carried the sentinel token
	// and the provider link should be closed
	EndOfUtterance bool

	// Finished mirrors the provider's finished flag
	Finished bool
}

// Aggregator accumulates finalized text across the messages of one provider
// link. It is not safe for concurrent use; the owning session serializes access.
type Aggregator struct {
	final strings.Builder
	ready bool
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Consume classifies the tokens of one provider message. A message carrying
// an error code is rejected as a whole and leaves the state untouched.
func (a *Aggregator) Consume(batch *stt.TokenBatch) (Update, error) {
	if err := batch.Err(); err != nil {
		return Update{}, err
	}

	var update Update
	var partial strings.Builder

	for _, token := range batch.Tokens {
		if token.Text == "" {
			continue
		}
		if !token.IsFinal {
			partial.WriteString(token.Text)
			continue
		}
		if token.Text == stt.EndOfUtteranceToken {
			update.EndOfUtterance = true
			continue
		}
		a.final.WriteString(token.Text)
	}

	if batch.Finished {
		a.ready = true
		update.Finished = true
	}

	update.Partial = partial.String()
	return update, nil
}

// FinalText returns the finalized text accumulated since the last reset
func (a *Aggregator) FinalText() string {
	return a.final.String()
}

// Ready reports whether the provider signalled it finished transcribing
func (a *Aggregator) Ready() bool {
	return a.ready
}

// Flush returns the accumulated final text and resets it.
// ok is false when there was nothing to deliver.
func (a *Aggregator) Flush() (text string, ok bool) {
	text = a.final.String()
	a.final.Reset()
	return text, text != ""
}

// Reset drops accumulated final text. With newSession it also clears the
// ready flag, for the start of a new provider link.
func (a *Aggregator) Reset(newSession bool) {
	a.final.Reset()
	if newSession {
		a.ready = false
	}
}
