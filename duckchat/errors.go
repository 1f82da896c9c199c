package duckchat

import (
	"errors"
	"fmt"
)

var (
	// ErrNoToken is returned when a turn is attempted with an empty token
	// ledger. Callers must run the status handshake first.
	ErrNoToken = errors.New("no vqd token held")

	// ErrTokenUnavailable is returned when the status handshake succeeds but
	// the response carries no x-vqd-4 header.
	ErrTokenUnavailable = errors.New("status response carried no x-vqd-4 header")

	// ErrNoHistory is returned by Reask when the conversation has no
	// messages to regenerate from.
	ErrNoHistory = errors.New("conversation has no messages")
)

// RatelimitError reports a hard rate limit: an HTTP 429 from the transport,
// or an embedded error record with status 429. It is not retried
// automatically.
type RatelimitError struct {
	Message string
}

func (e *RatelimitError) Error() string {
	return "rate limited: " + e.Message
}

// ConversationLimitError reports that the conversation has grown past the
// service's limit. The session cannot continue; start a new one.
type ConversationLimitError struct {
	Message string
}

func (e *ConversationLimitError) Error() string {
	return "conversation limit exceeded: " + e.Message
}

// ProtocolError reports a malformed or unexpected service response. Raw
// holds the offending payload for diagnostics.
type ProtocolError struct {
	Message string
	Raw     string
}

func (e *ProtocolError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("%s: body=%s", e.Message, e.Raw)
	}
	return e.Message
}

// RetriesExhaustedError reports that every attempt at a turn was answered
// with the service's soft block signal.
type RetriesExhaustedError struct {
	Attempts int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts", errTypeBlocked, e.Attempts)
}
