// Package convai implements agent.Engine on the ElevenLabs Conversational AI
// WebSocket API.
//
// Private agents require a signed URL fetched with the API key. Public agents
// can be joined directly with the agent id.
package convai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentplexus/callbridge/agent"
	"github.com/agentplexus/callbridge/codec"
)

// Default endpoints.
const (
	DefaultAPIBaseURL = "https://api.elevenlabs.io"
	DefaultWSBaseURL  = "wss://api.elevenlabs.io"
)

const (
	conversationPath = "/v1/convai/conversation"
	signedURLPath    = "/v1/convai/conversation/get_signed_url"

	defaultInputQueue   = 32
	defaultEventBuffer  = 64
	defaultReadyTimeout = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// ErrNotReady is returned by Start when the server never sent conversation
// metadata.
var ErrNotReady = errors.New("convai: conversation not ready")

// Engine starts ElevenLabs conversations for one agent.
type Engine struct {
	apiKey       string
	agentID      string
	requireAuth  bool
	apiBaseURL   string
	wsBaseURL    string
	httpClient   *http.Client
	dialer       *websocket.Dialer
	inputQueue   int
	eventBuffer  int
	readyTimeout time.Duration
	writeTimeout time.Duration
}

// Verify interface compliance.
var _ agent.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*options)

type options struct {
	apiKey       string
	agentID      string
	requireAuth  bool
	apiBaseURL   string
	wsBaseURL    string
	httpClient   *http.Client
	dialer       *websocket.Dialer
	inputQueue   int
	eventBuffer  int
	readyTimeout time.Duration
	writeTimeout time.Duration
}

// WithAPIKey sets the ElevenLabs API key.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithAgentID sets the agent to converse with.
func WithAgentID(id string) Option {
	return func(o *options) {
		o.agentID = id
	}
}

// WithRequireAuth makes Start fetch a signed URL before dialing.
func WithRequireAuth(require bool) Option {
	return func(o *options) {
		o.requireAuth = require
	}
}

// WithAPIBaseURL overrides the REST endpoint used for signed URLs.
func WithAPIBaseURL(u string) Option {
	return func(o *options) {
		o.apiBaseURL = u
	}
}

// WithWSBaseURL overrides the WebSocket endpoint for public agents.
func WithWSBaseURL(u string) Option {
	return func(o *options) {
		o.wsBaseURL = u
	}
}

// WithHTTPClient sets the client used for signed URL requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithInputQueue sets how many caller audio chunks may wait for the writer
// before SendAudio reports agent.ErrBacklog.
func WithInputQueue(n int) Option {
	return func(o *options) {
		o.inputQueue = n
	}
}

// WithEventBuffer sets the Events channel capacity.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		o.eventBuffer = n
	}
}

// WithReadyTimeout bounds the wait for conversation metadata.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readyTimeout = d
	}
}

// WithWriteTimeout sets the per-message write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// New creates an Engine. The API key and agent id default to the
// ELEVENLABS_API_KEY and ELEVENLABS_AGENT_ID environment variables.
func New(opts ...Option) (*Engine, error) {
	o := &options{
		apiKey:       os.Getenv("ELEVENLABS_API_KEY"),
		agentID:      os.Getenv("ELEVENLABS_AGENT_ID"),
		apiBaseURL:   DefaultAPIBaseURL,
		wsBaseURL:    DefaultWSBaseURL,
		inputQueue:   defaultInputQueue,
		eventBuffer:  defaultEventBuffer,
		readyTimeout: defaultReadyTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.agentID = strings.TrimSpace(o.agentID)
	o.apiKey = strings.TrimSpace(o.apiKey)
	if o.agentID == "" {
		return nil, fmt.Errorf("convai: agent id is required")
	}
	if o.requireAuth && o.apiKey == "" {
		return nil, fmt.Errorf("convai: api key is required for authenticated agents")
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.dialer == nil {
		o.dialer = websocket.DefaultDialer
	}
	if o.inputQueue <= 0 {
		o.inputQueue = defaultInputQueue
	}
	if o.eventBuffer <= 0 {
		o.eventBuffer = defaultEventBuffer
	}
	if o.readyTimeout <= 0 {
		o.readyTimeout = defaultReadyTimeout
	}
	if o.writeTimeout <= 0 {
		o.writeTimeout = defaultWriteTimeout
	}

	return &Engine{
		apiKey:       o.apiKey,
		agentID:      o.agentID,
		requireAuth:  o.requireAuth,
		apiBaseURL:   strings.TrimRight(o.apiBaseURL, "/"),
		wsBaseURL:    strings.TrimRight(o.wsBaseURL, "/"),
		httpClient:   o.httpClient,
		dialer:       o.dialer,
		inputQueue:   o.inputQueue,
		eventBuffer:  o.eventBuffer,
		readyTimeout: o.readyTimeout,
		writeTimeout: o.writeTimeout,
	}, nil
}

// AgentID returns the configured agent id.
func (e *Engine) AgentID() string {
	return e.agentID
}

// Start implements agent.Engine.
func (e *Engine) Start(ctx context.Context, params agent.StartParams) (agent.Session, error) {
	c, err := e.Dial(ctx, params)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Dial opens a conversation and returns once the server has sent the
// conversation metadata.
func (e *Engine) Dial(ctx context.Context, params agent.StartParams) (*Conversation, error) {
	wsURL, err := e.conversationURL(ctx)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if e.apiKey != "" && !e.requireAuth {
		header.Set("xi-api-key", e.apiKey)
	}
	ws, _, err := e.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("convai: dial: %w", err)
	}

	c := newConversation(ws, e.inputQueue, e.eventBuffer, e.writeTimeout)
	if err := c.initiate(ctx, params, e.readyTimeout); err != nil {
		_ = ws.Close()
		return nil, err
	}
	c.start()
	return c, nil
}

func (e *Engine) conversationURL(ctx context.Context) (string, error) {
	if e.requireAuth {
		return e.signedURL(ctx)
	}
	u, err := url.Parse(e.wsBaseURL)
	if err != nil {
		return "", fmt.Errorf("convai: invalid ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + conversationPath
	q := u.Query()
	q.Set("agent_id", e.agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *Engine) signedURL(ctx context.Context) (string, error) {
	endpoint := e.apiBaseURL + signedURLPath + "?agent_id=" + url.QueryEscape(e.agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("convai: create signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("convai: signed url request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("convai: read signed url response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("convai: signed url request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("convai: decode signed url response: %w", err)
	}
	if strings.TrimSpace(out.SignedURL) == "" {
		return "", fmt.Errorf("convai: signed url response is empty")
	}
	return out.SignedURL, nil
}

// defaultFormat is assumed when the metadata omits a format.
var defaultFormat = codec.Format{Encoding: codec.PCM16, SampleRate: 16000}
