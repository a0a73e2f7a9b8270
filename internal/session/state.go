package session

import (
	"time"

	"github.com/krushimitra/voice-engine/internal/recording"
	"github.com/krushimitra/voice-engine/internal/transcript"
)

// State is the lifecycle state of the engine's current session
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateReconnecting
	// StateClosed follows Stop; a new Start is allowed from it
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// live reports whether a session is in progress
func (s State) live() bool {
	return s == StateConnecting || s == StateActive || s == StateReconnecting
}

// Snapshot is an immutable view of the engine for UI layers
type Snapshot struct {
	SessionID string
	State     State

	IsActive       bool
	IsConnecting   bool
	IsReconnecting bool
	// IsSpeaking is true while agent audio is scheduled or playing
	IsSpeaking bool
	// UserSpeaking is true while the microphone level indicates speech
	UserSpeaking bool

	Turns         []transcript.Turn
	PartialLocal  string
	PartialRemote string

	StartedAt time.Time
	Duration  time.Duration
	// Attempt counts consecutive reconnects since the last successful open
	Attempt int

	// Err is set when Start failed or the session was abandoned
	Err error
	// Recording is the finalized artifact of the last session, if any
	Recording *recording.Artifact
}

// Observer is called on the engine goroutine after every change. It must
// not block or call back into the engine synchronously.
type Observer func(Snapshot)
