package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentplexus/callbridge/agent"
	"github.com/agentplexus/callbridge/codec"
)

// Conversation is one live ElevenLabs conversation.
type Conversation struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	id     string
	input  codec.Format
	output codec.Format

	audio  chan []byte
	events chan agent.Event

	writeMu sync.Mutex
	wg      sync.WaitGroup

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	stopped   atomic.Bool

	// lastInterrupt is the event id of the most recent interruption.
	lastInterrupt atomic.Int64

	errMu sync.Mutex
	err   error
}

// Verify interface compliance.
var _ agent.Session = (*Conversation)(nil)

func newConversation(ws *websocket.Conn, inputQueue, eventBuffer int, writeTimeout time.Duration) *Conversation {
	return &Conversation{
		ws:           ws,
		writeTimeout: writeTimeout,
		input:        defaultFormat,
		output:       defaultFormat,
		audio:        make(chan []byte, inputQueue),
		events:       make(chan agent.Event, eventBuffer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// initiate sends the client data and blocks until conversation metadata
// arrives. Pings received while waiting are answered.
func (c *Conversation) initiate(ctx context.Context, params agent.StartParams, timeout time.Duration) error {
	vars := params.DynamicVariables
	if vars == nil {
		vars = map[string]string{}
	}
	msg := initiationClientData{
		Type:                       typeInitiationClientData,
		ConversationConfigOverride: map[string]any{},
		CustomLLMExtraBody:         map[string]any{},
		DynamicVariables:           vars,
	}
	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("convai: send initiation: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})

	// Unblock the read when ctx is canceled.
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		var m serverMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		switch m.Type {
		case typePing:
			if m.Ping != nil {
				if err := c.writeJSON(pong{Type: typePong, EventID: m.Ping.EventID}); err != nil {
					return fmt.Errorf("convai: send pong: %w", err)
				}
			}
		case typeInitiationMetadata:
			if m.Metadata == nil {
				return fmt.Errorf("%w: metadata without body", ErrNotReady)
			}
			c.id = m.Metadata.ConversationID
			if m.Metadata.UserInputFormat != "" {
				f, err := ParseFormat(m.Metadata.UserInputFormat)
				if err != nil {
					return fmt.Errorf("convai: user input format: %w", err)
				}
				c.input = f
			}
			if m.Metadata.AgentOutputFormat != "" {
				f, err := ParseFormat(m.Metadata.AgentOutputFormat)
				if err != nil {
					return fmt.Errorf("convai: agent output format: %w", err)
				}
				c.output = f
			}
			return nil
		}
	}
}

func (c *Conversation) start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	go func() {
		c.wg.Wait()
		close(c.done)
	}()
}

// ID returns the conversation id assigned by the server.
func (c *Conversation) ID() string { return c.id }

// InputFormat is the format SendAudio expects.
func (c *Conversation) InputFormat() codec.Format { return c.input }

// OutputFormat is the format of agent audio events.
func (c *Conversation) OutputFormat() codec.Format { return c.output }

// Events returns agent output in arrival order.
func (c *Conversation) Events() <-chan agent.Event { return c.events }

// Done is closed after both socket goroutines have exited.
func (c *Conversation) Done() <-chan struct{} { return c.done }

// SendAudio queues a caller audio chunk for the writer.
func (c *Conversation) SendAudio(payload []byte) error {
	select {
	case <-c.quit:
		return agent.ErrSessionClosed
	default:
	}
	select {
	case c.audio <- payload:
		return nil
	case <-c.quit:
		return agent.ErrSessionClosed
	default:
		return agent.ErrBacklog
	}
}

// Stop ends the conversation. It is safe to call more than once.
func (c *Conversation) Stop() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.close()
	return nil
}

// Err returns why the conversation ended without Stop, if it failed.
func (c *Conversation) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conversation) close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		_ = c.ws.Close()
	})
}

func (c *Conversation) setErr(err error) {
	if err == nil || c.stopped.Load() {
		return
	}
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Conversation) readLoop() {
	defer c.wg.Done()
	defer close(c.events)
	defer c.close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.setErr(fmt.Errorf("%w: %v", agent.ErrSessionClosed, err))
			}
			return
		}
		var m serverMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if !c.handle(&m) {
			return
		}
	}
}

// handle processes one server message. It returns false once the
// conversation is shutting down.
func (c *Conversation) handle(m *serverMessage) bool {
	now := time.Now()
	switch m.Type {
	case typeAudio:
		if m.Audio == nil {
			return true
		}
		if last := c.lastInterrupt.Load(); last > 0 && m.Audio.EventID <= last {
			return true
		}
		audio, err := decodeBase64(m.Audio.AudioBase64)
		if err != nil || len(audio) == 0 {
			return true
		}
		return c.emit(agent.Event{Type: agent.EventAudio, ID: m.Audio.EventID, Audio: audio, Time: now})

	case typeAgentResponse:
		if m.AgentResponse == nil || strings.TrimSpace(m.AgentResponse.AgentResponse) == "" {
			return true
		}
		return c.emit(agent.Event{Type: agent.EventTranscript, Speaker: agent.SpeakerAgent,
			Text: m.AgentResponse.AgentResponse, Time: now})

	case typeAgentCorrection:
		if m.AgentCorrection == nil {
			return true
		}
		return c.emit(agent.Event{Type: agent.EventCorrection, Speaker: agent.SpeakerAgent,
			Text: m.AgentCorrection.CorrectedAgentResponse, Time: now})

	case typeUserTranscript:
		if m.UserTranscript == nil || strings.TrimSpace(m.UserTranscript.UserTranscript) == "" {
			return true
		}
		return c.emit(agent.Event{Type: agent.EventTranscript, Speaker: agent.SpeakerCaller,
			Text: m.UserTranscript.UserTranscript, Time: now})

	case typeInterruption:
		var id int64
		if m.Interruption != nil {
			id = m.Interruption.EventID
		}
		if id > c.lastInterrupt.Load() {
			c.lastInterrupt.Store(id)
		}
		return c.emit(agent.Event{Type: agent.EventInterruption, ID: id, Time: now})

	case typePing:
		if m.Ping == nil {
			return true
		}
		if err := c.writeJSON(pong{Type: typePong, EventID: m.Ping.EventID}); err != nil {
			c.setErr(fmt.Errorf("%w: pong: %v", agent.ErrSessionClosed, err))
			return false
		}
	}
	return true
}

func (c *Conversation) emit(ev agent.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Conversation) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case payload := <-c.audio:
			msg := userAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(payload)}
			if err := c.writeJSON(msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.setErr(fmt.Errorf("%w: write audio: %v", agent.ErrSessionClosed, err))
				}
				c.close()
				return
			}
		}
	}
}

func (c *Conversation) writeJSON(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(payload)
}
