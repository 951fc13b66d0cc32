// Package callbridge bridges Twilio Media Streams phone calls to a
// conversational-AI agent.
//
// The packages under this module cover the pieces of a live call:
//   - codec: telephony and PCM audio frame conversion
//   - transport: the Media Streams WebSocket protocol
//   - agent: the contract an AI conversation engine implements
//   - convai: an ElevenLabs Conversational AI engine
//   - bridge: the per-call audio bridge and its lifecycle
//   - callcontrol: ending calls and building TwiML through the Twilio API
//   - callstore: call records kept in PostgreSQL
//
// cmd/callbridge wires them into an HTTP server configured from
// settings.ini.
//
// # Environment Variables
//
//	TWILIO_ACCOUNT_SID  - Your Twilio Account SID
//	TWILIO_AUTH_TOKEN   - Your Twilio Auth Token
//	ELEVENLABS_API_KEY  - ElevenLabs API key
//	ELEVENLABS_AGENT_ID - ElevenLabs conversational agent
//
// # Quick Start
//
//	cc, _ := callcontrol.New()
//	engine, _ := convai.New(convai.WithAgentID("agent_123"))
//
//	conn, _ := transport.Accept(w, r)
//	s, _ := bridge.New(bridge.Dependencies{
//	    Transport:   conn,
//	    Engine:      engine,
//	    CallControl: cc,
//	}, bridge.DefaultConfig())
//	_ = s.Run(ctx)
package callbridge

// Version is the module version.
const Version = "0.1.0"

// Twilio API constants.
const (
	// DefaultAPIBaseURL is the Twilio REST API base URL.
	DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

	// MediaStreamPath is the path prefix Twilio streams call audio to.
	// The call SID is appended as the last path segment.
	MediaStreamPath = "/media-stream/"
)

// Audio format constants for Media Streams.
const (
	// AudioEncodingMulaw is the μ-law encoding (8-bit, 8kHz).
	AudioEncodingMulaw = "audio/x-mulaw"

	// DefaultSampleRate is the default sample rate for Twilio audio (8kHz).
	DefaultSampleRate = 8000
)

// Call status constants.
const (
	CallStatusQueued     = "queued"
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// IsTerminalStatus reports whether a Twilio call status means the call is over.
func IsTerminalStatus(status string) bool {
	switch status {
	case CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	}
	return false
}
