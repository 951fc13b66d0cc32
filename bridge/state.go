package bridge

// State is the lifecycle state of a Session.
type State int32

const (
	// StateConnecting: transport accepted, AI session not yet started.
	StateConnecting State = iota
	// StateStreaming: audio flows both ways.
	StateStreaming
	// StateEnding: shutdown in progress.
	StateEnding
	// StateClosed: transport and AI session released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// EndReason records what ended a session.
type EndReason string

// End reasons.
const (
	ReasonNone              EndReason = ""
	ReasonStop              EndReason = "stop"
	ReasonTransportClosed   EndReason = "transport_closed"
	ReasonTransportError    EndReason = "transport_error"
	ReasonProtocolViolation EndReason = "protocol_violation"
	ReasonAIEnded           EndReason = "ai_ended"
	ReasonAIFailed          EndReason = "ai_failed"
	ReasonAIStartFailed     EndReason = "ai_start_failed"
	ReasonGoodbye           EndReason = "goodbye"
	ReasonCallCompleted     EndReason = "call_completed"
	ReasonIdle              EndReason = "idle"
	ReasonStartTimeout      EndReason = "start_timeout"
	ReasonCanceled          EndReason = "canceled"
	ReasonReplaced          EndReason = "replaced"
	ReasonShutdown          EndReason = "shutdown"
)
