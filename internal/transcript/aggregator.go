package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who spoke a turn
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one completed utterance. Turns are handed out by value and never
// edited after Flush creates them.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Aggregator merges incremental transcription fragments from both
// directions into turns. It is not safe for concurrent use.
type Aggregator struct {
	local  strings.Builder
	remote strings.Builder
	turns  []Turn
	now    func() time.Time
}

// NewAggregator creates an empty aggregator. now defaults to time.Now.
func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{now: now}
}

// AppendLocal appends recognized user speech
func (a *Aggregator) AppendLocal(text string) {
	a.local.WriteString(text)
}

// AppendRemote appends the transcription of the agent's speech
func (a *Aggregator) AppendRemote(text string) {
	a.remote.WriteString(text)
}

// Partial returns the text accumulated since the last flush
func (a *Aggregator) Partial() (local, remote string) {
	return a.local.String(), a.remote.String()
}

// Flush turns the accumulated text into turns, user first, and clears both
// accumulators. Whitespace-only text does not produce a turn.
func (a *Aggregator) Flush() []Turn {
	ts := a.now()
	var flushed []Turn

	if text := strings.TrimSpace(a.local.String()); text != "" {
		flushed = append(flushed, Turn{ID: uuid.NewString(), Role: RoleUser, Text: text, Timestamp: ts})
	}
	if text := strings.TrimSpace(a.remote.String()); text != "" {
		flushed = append(flushed, Turn{ID: uuid.NewString(), Role: RoleModel, Text: text, Timestamp: ts})
	}

	a.local.Reset()
	a.remote.Reset()
	a.turns = append(a.turns, flushed...)

	return flushed
}

// Turns returns a copy of the turn log in insertion order
func (a *Aggregator) Turns() []Turn {
	out := make([]Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

// Len returns the number of turns logged
func (a *Aggregator) Len() int {
	return len(a.turns)
}
