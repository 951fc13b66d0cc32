package callcontrol

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/agentplexus/callbridge"
)

// Response is the TwiML document root.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Connect *Connect `xml:"Connect,omitempty"`
}

// Connect wraps a bidirectional media stream.
type Connect struct {
	Stream Stream `xml:"Stream"`
}

// Stream points Twilio at a Media Streams WebSocket.
type Stream struct {
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

// Parameter is a custom parameter delivered in the stream's start event.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTwiML builds a TwiML response that connects the call to streamURL.
// Parameters are emitted sorted by name.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	if streamURL == "" {
		return "", fmt.Errorf("stream url is required")
	}
	u, err := url.Parse(streamURL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	if u.Scheme != "wss" && u.Scheme != "ws" {
		return "", fmt.Errorf("stream url must use ws or wss, got %q", u.Scheme)
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	stream := Stream{URL: streamURL}
	for _, name := range names {
		stream.Parameters = append(stream.Parameters, Parameter{Name: name, Value: params[name]})
	}

	out, err := xml.Marshal(Response{Connect: &Connect{Stream: stream}})
	if err != nil {
		return "", fmt.Errorf("failed to marshal TwiML: %w", err)
	}
	return xml.Header + string(out), nil
}

// StreamURL returns the media stream URL for a call, e.g.
// wss://host/media-stream/CA123.
func StreamURL(host, callSID string) string {
	host = strings.TrimSuffix(host, "/")
	if !strings.Contains(host, "://") {
		host = "wss://" + host
	}
	return host + callbridge.MediaStreamPath + url.PathEscape(callSID)
}

// StatusCallback is a Twilio call status webhook.
type StatusCallback struct {
	CallSID    string
	CallStatus string
	AnsweredBy string
	From       string
	To         string
}

// ParseStatusCallback reads a status webhook request.
func ParseStatusCallback(r *http.Request) (StatusCallback, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallback{}, fmt.Errorf("failed to parse status callback: %w", err)
	}
	cb := StatusCallback{
		CallSID:    r.PostFormValue("CallSid"),
		CallStatus: r.PostFormValue("CallStatus"),
		AnsweredBy: r.PostFormValue("AnsweredBy"),
		From:       r.PostFormValue("From"),
		To:         r.PostFormValue("To"),
	}
	if cb.CallSID == "" {
		return StatusCallback{}, fmt.Errorf("status callback without CallSid")
	}
	return cb, nil
}

// Terminal reports whether the callback reports a finished call.
func (cb StatusCallback) Terminal() bool {
	return callbridge.IsTerminalStatus(cb.CallStatus)
}

// AnsweredByMachine reports an in-progress call picked up by voicemail or
// an answering machine.
func (cb StatusCallback) AnsweredByMachine() bool {
	return cb.CallStatus == callbridge.CallStatusInProgress && strings.HasPrefix(cb.AnsweredBy, "machine")
}
