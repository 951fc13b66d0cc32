package convai

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentplexus/callbridge/codec"
)

// Conversational AI WebSocket message types.
const (
	typeInitiationClientData = "conversation_initiation_client_data"
	typeInitiationMetadata   = "conversation_initiation_metadata"
	typeAudio                = "audio"
	typeAgentResponse        = "agent_response"
	typeAgentCorrection      = "agent_response_correction"
	typeUserTranscript       = "user_transcript"
	typeInterruption         = "interruption"
	typePing                 = "ping"
	typePong                 = "pong"
)

type initiationClientData struct {
	Type                       string            `json:"type"`
	ConversationConfigOverride map[string]any    `json:"conversation_config_override"`
	CustomLLMExtraBody         map[string]any    `json:"custom_llm_extra_body"`
	DynamicVariables           map[string]string `json:"dynamic_variables"`
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// serverMessage covers every server event the bridge consumes. Only the
// body matching Type is populated.
type serverMessage struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
		UserInputFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	AgentCorrection *struct {
		OriginalAgentResponse  string `json:"original_agent_response"`
		CorrectedAgentResponse string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event,omitempty"`

	UserTranscript *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	Interruption *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event,omitempty"`

	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
}

// ParseFormat maps an ElevenLabs audio format name such as "ulaw_8000" or
// "pcm_16000" to a codec.Format.
func ParseFormat(name string) (codec.Format, error) {
	kind, rate, ok := strings.Cut(strings.TrimSpace(name), "_")
	if !ok {
		return codec.Format{}, fmt.Errorf("%w: audio format %q", codec.ErrUnsupportedEncoding, name)
	}
	sampleRate, err := strconv.Atoi(rate)
	if err != nil {
		return codec.Format{}, fmt.Errorf("%w: audio format %q", codec.ErrUnsupportedEncoding, name)
	}

	var f codec.Format
	switch kind {
	case "ulaw":
		f = codec.Format{Encoding: codec.Mulaw, SampleRate: sampleRate}
	case "alaw":
		f = codec.Format{Encoding: codec.Alaw, SampleRate: sampleRate}
	case "pcm":
		f = codec.Format{Encoding: codec.PCM16, SampleRate: sampleRate}
	default:
		return codec.Format{}, fmt.Errorf("%w: audio format %q", codec.ErrUnsupportedEncoding, name)
	}
	if err := f.Validate(); err != nil {
		return codec.Format{}, err
	}
	return f, nil
}

// decodeBase64 accepts padded and unpadded standard base64.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
