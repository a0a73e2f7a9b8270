package bridge

import (
	"github.com/krushimitra/voice-engine/internal/session"
	"github.com/krushimitra/voice-engine/internal/transcript"
)

// ClientMessage is a JSON command from the browser
type ClientMessage struct {
	Type     string `json:"type"` // start, stop, discard_recording
	Language string `json:"language,omitempty"`
	Crop     string `json:"crop,omitempty"`
}

// StateMessage mirrors a session snapshot
type StateMessage struct {
	Type           string            `json:"type"`
	SessionID      string            `json:"sessionId,omitempty"`
	State          string            `json:"state"`
	IsActive       bool              `json:"isActive"`
	IsConnecting   bool              `json:"isConnecting"`
	IsReconnecting bool              `json:"isReconnecting"`
	IsSpeaking     bool              `json:"isSpeaking"`
	UserSpeaking   bool              `json:"userSpeaking"`
	Turns          []transcript.Turn `json:"turns"`
	PartialLocal   string            `json:"partialLocal,omitempty"`
	PartialRemote  string            `json:"partialRemote,omitempty"`
	DurationMs     int64             `json:"durationMs"`
	Attempt        int               `json:"attempt,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// AudioMessage asks the browser to play PCM at an offset on its clock
type AudioMessage struct {
	Type       string `json:"type"`
	ID         uint64 `json:"id"`
	StartAtMs  int64  `json:"startAtMs"`
	DurationMs int64  `json:"durationMs"`
	SampleRate int    `json:"sampleRate"`
	Payload    string `json:"payload"` // Base64 16-bit LE PCM
}

// AudioStopMessage cancels a previously sent audio item
type AudioStopMessage struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

// RecordingMessage announces a finalized recording
type RecordingMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

// ErrorMessage reports a failed command
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newStateMessage(s session.Snapshot) StateMessage {
	msg := StateMessage{
		Type:           "state",
		SessionID:      s.SessionID,
		State:          s.State.String(),
		IsActive:       s.IsActive,
		IsConnecting:   s.IsConnecting,
		IsReconnecting: s.IsReconnecting,
		IsSpeaking:     s.IsSpeaking,
		UserSpeaking:   s.UserSpeaking,
		Turns:          s.Turns,
		PartialLocal:   s.PartialLocal,
		PartialRemote:  s.PartialRemote,
		DurationMs:     s.Duration.Milliseconds(),
		Attempt:        s.Attempt,
	}
	if msg.Turns == nil {
		msg.Turns = []transcript.Turn{}
	}
	if s.Err != nil {
		msg.Error = s.Err.Error()
	}
	return msg
}
