package subscription

import (
	"errors"
	"time"
)

// Phase is the lifecycle phase of the physical connection.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseFailed       Phase = "failed"
)

var allPhases = []string{
	string(PhaseDisconnected),
	string(PhaseConnecting),
	string(PhaseConnected),
	string(PhaseReconnecting),
	string(PhaseFailed),
}

var (
	// ErrReconnectExhausted is carried by the terminal state event once the
	// manager gives up reconnecting.
	ErrReconnectExhausted = errors.New("subscription: reconnect attempts exhausted")
	// ErrUnknownHandle is returned when unsubscribing a handle that is not registered.
	ErrUnknownHandle = errors.New("subscription: unknown handle")
	// ErrNotConfigured is returned by Start when no endpoint or dialer is set.
	ErrNotConfigured = errors.New("subscription: endpoint not configured")
)

// State is a snapshot of the connection state.
type State struct {
	Phase                Phase  `json:"phase"`
	ReconnectAttempt     int    `json:"reconnect_attempt"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
	Subscriptions        int    `json:"subscriptions"`
	Listeners            int    `json:"listeners"`
	LastError            string `json:"last_error,omitempty"`
}

// StateEvent is emitted on every phase change and on every reconnect
// attempt. Terminal is set only on the failed event.
type StateEvent struct {
	Phase    Phase
	Attempt  int
	Delay    time.Duration
	Err      error
	Terminal bool
}
