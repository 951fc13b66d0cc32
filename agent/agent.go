// Package agent defines the contract between the call bridge and a
// conversational-AI engine.
//
// An engine starts one Session per call. The bridge writes caller audio into
// the session with SendAudio and consumes everything the engine produces,
// synthesized audio and transcripts alike, from a single ordered Events
// channel.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/agentplexus/callbridge/codec"
)

var (
	// ErrBacklog is returned by SendAudio when the session cannot accept more
	// audio right now. The caller may retry the same frame later.
	ErrBacklog = errors.New("agent input backlog")

	// ErrSessionClosed is returned by SendAudio once the session has ended.
	ErrSessionClosed = errors.New("agent session closed")
)

// StartParams configures a new session.
type StartParams struct {
	// CallSID correlates the session with the phone call.
	CallSID string

	// DynamicVariables is the calling context made available to the agent,
	// such as the callee's name.
	DynamicVariables map[string]string
}

// Engine starts conversational sessions.
type Engine interface {
	// Start returns once the session is ready to exchange audio.
	Start(ctx context.Context, params StartParams) (Session, error)
}

// Session is one live conversation.
type Session interface {
	// ID returns the engine's conversation identifier.
	ID() string

	// InputFormat is the audio format SendAudio expects.
	InputFormat() codec.Format

	// OutputFormat is the format of EventAudio payloads.
	OutputFormat() codec.Format

	// SendAudio submits caller audio. It does not block.
	SendAudio(payload []byte) error

	// Events returns engine output in production order. The channel is
	// closed when the session ends.
	Events() <-chan Event

	// Stop ends the session. Calling it after the session already ended is
	// not an error.
	Stop() error

	// Done is closed once the session has released its resources.
	Done() <-chan struct{}

	// Err returns the reason the session ended on its own, if any.
	Err() error
}

// EventType identifies engine output.
type EventType int

// Engine event types.
const (
	EventAudio EventType = iota + 1
	EventTranscript
	EventCorrection
	EventInterruption
)

func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventCorrection:
		return "correction"
	case EventInterruption:
		return "interruption"
	}
	return "unknown"
}

// Speaker identifies who said a transcribed utterance.
type Speaker string

// Speakers.
const (
	SpeakerAgent  Speaker = "agent"
	SpeakerCaller Speaker = "caller"
)

// Event is one item of engine output.
type Event struct {
	Type EventType

	// ID is the engine's event id, used to order audio against interruptions.
	ID int64

	// Audio holds synthesized speech in the session's OutputFormat.
	Audio []byte

	// Speaker and Text are set for EventTranscript and EventCorrection.
	// A transcript event carries one completed utterance.
	Speaker Speaker
	Text    string

	Time time.Time
}
