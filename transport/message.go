package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/agentplexus/callbridge/codec"
)

// ErrProtocolViolation marks a malformed or unexpected Media Streams message.
var ErrProtocolViolation = errors.New("media streams protocol violation")

// EventType identifies a normalized stream event.
type EventType int

// Stream event types.
const (
	EventConnected EventType = iota + 1
	EventStart
	EventMedia
	EventMark
	EventStop
	EventDTMF
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventStart:
		return "start"
	case EventMedia:
		return "media"
	case EventMark:
		return "mark"
	case EventStop:
		return "stop"
	case EventDTMF:
		return "dtmf"
	case EventError:
		return "error"
	}
	return "unknown"
}

// StartInfo describes the stream announced by a start message.
type StartInfo struct {
	StreamSID        string
	AccountSID       string
	CallSID          string
	Tracks           []string
	Format           codec.Format
	Channels         int
	CustomParameters map[string]string
}

// Event is the normalized form of one inbound Media Streams message.
type Event struct {
	Type      EventType
	StreamSID string
	Seq       int64

	// Start is set for EventStart.
	Start *StartInfo

	// Frame is set for EventMedia.
	Frame codec.Frame

	// Mark is the echoed mark name for EventMark.
	Mark string

	// Digit is the pressed key for EventDTMF.
	Digit string

	// Err is set for EventError and wraps ErrProtocolViolation or ErrTransport.
	Err error
}

// Twilio Media Streams message types.
type mediaMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *startMessage `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markMessage  `json:"mark,omitempty"`
	Stop           *stopMessage  `json:"stop,omitempty"`
	DTMF           *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded audio
}

type markMessage struct {
	Name string `json:"name"`
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfMessage struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// Decode parses one inbound text message.
// Messages that cannot be understood come back as EventError.
func Decode(data []byte) Event {
	var msg mediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return violation("malformed message: %v", err)
	}

	ev := Event{StreamSID: msg.StreamSID}
	if msg.SequenceNumber != "" {
		seq, err := strconv.ParseInt(msg.SequenceNumber, 10, 64)
		if err != nil {
			return violation("bad sequenceNumber %q", msg.SequenceNumber)
		}
		ev.Seq = seq
	}

	switch msg.Event {
	case "connected":
		ev.Type = EventConnected

	case "start":
		if msg.Start == nil || msg.Start.CallSID == "" {
			return violation("start without callSid")
		}
		streamSID := msg.Start.StreamSID
		if streamSID == "" {
			streamSID = msg.StreamSID
		}
		format := codec.Telephony
		if msg.Start.MediaFormat.Encoding != "" {
			format = codec.Format{
				Encoding:   codec.Encoding(msg.Start.MediaFormat.Encoding),
				SampleRate: msg.Start.MediaFormat.SampleRate,
			}
		}
		ev.Type = EventStart
		ev.StreamSID = streamSID
		ev.Start = &StartInfo{
			StreamSID:        streamSID,
			AccountSID:       msg.Start.AccountSID,
			CallSID:          msg.Start.CallSID,
			Tracks:           msg.Start.Tracks,
			Format:           format,
			Channels:         msg.Start.MediaFormat.Channels,
			CustomParameters: msg.Start.CustomParams,
		}

	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return violation("media without payload")
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return violation("media payload is not base64: %v", err)
		}
		frame := codec.Frame{Format: codec.Telephony, Payload: audio}
		if msg.Media.Timestamp != "" {
			ms, err := strconv.ParseInt(msg.Media.Timestamp, 10, 64)
			if err != nil {
				return violation("bad media timestamp %q", msg.Media.Timestamp)
			}
			frame.Timestamp = time.Duration(ms) * time.Millisecond
		}
		if msg.Media.Chunk != "" {
			chunk, err := strconv.ParseInt(msg.Media.Chunk, 10, 64)
			if err != nil {
				return violation("bad media chunk %q", msg.Media.Chunk)
			}
			frame.Seq = chunk
		}
		ev.Type = EventMedia
		ev.Frame = frame

	case "mark":
		if msg.Mark == nil {
			return violation("mark without name")
		}
		ev.Type = EventMark
		ev.Mark = msg.Mark.Name

	case "stop":
		ev.Type = EventStop

	case "dtmf":
		if msg.DTMF == nil || msg.DTMF.Digit == "" {
			return violation("dtmf without digit")
		}
		ev.Type = EventDTMF
		ev.Digit = msg.DTMF.Digit

	case "":
		return violation("message without event tag")

	default:
		return violation("unknown event %q", msg.Event)
	}
	return ev
}

func violation(format string, args ...any) Event {
	return Event{
		Type: EventError,
		Err:  fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...)),
	}
}

type outboundMessage struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *markMessage   `json:"mark,omitempty"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

// EncodeMedia builds a media message carrying telephony-encoded audio.
func EncodeMedia(streamSID string, payload []byte) ([]byte, error) {
	return json.Marshal(outboundMessage{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// EncodeMark builds a mark message; Twilio echoes it once the preceding
// audio has played.
func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(outboundMessage{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      &markMessage{Name: name},
	})
}

// EncodeClear builds a clear message that discards audio Twilio has buffered.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outboundMessage{Event: "clear", StreamSID: streamSID})
}
