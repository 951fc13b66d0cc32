// Package transport implements the Twilio Media Streams protocol over a
// WebSocket connection.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentplexus/callbridge/codec"
	"github.com/gorilla/websocket"
)

var (
	// ErrTransport marks a socket-level failure.
	ErrTransport = errors.New("media streams transport error")

	// ErrClosed is returned by sends once Close has begun.
	ErrClosed = errors.New("media streams connection closed")

	// ErrNotStarted is returned by sends before the start message arrived.
	ErrNotStarted = errors.New("media stream not started")
)

// WebSocket is the part of *websocket.Conn a Conn uses.
type WebSocket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	RemoteAddr() net.Addr
	Close() error
}

// Verify interface compliance at compile time.
var _ WebSocket = (*websocket.Conn)(nil)

// Option configures a Conn.
type Option func(*options)

type options struct {
	readLimit       int64
	writeTimeout    time.Duration
	eventBuffer     int
	readBufferSize  int
	writeBufferSize int
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(o *options) {
		o.readLimit = n
	}
}

// WithWriteTimeout sets the deadline applied to every write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		o.eventBuffer = n
	}
}

// WithBufferSizes sets the upgrader's read and write buffer sizes.
func WithBufferSizes(read, write int) Option {
	return func(o *options) {
		o.readBufferSize = read
		o.writeBufferSize = write
	}
}

func buildOptions(opts []Option) *options {
	cfg := &options{
		readLimit:    64 * 1024,
		writeTimeout: 5 * time.Second,
		eventBuffer:  100,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Accept upgrades an HTTP request from Twilio to a Media Streams connection.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	cfg := buildOptions(opts)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.readBufferSize,
		WriteBufferSize: cfg.writeBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewConn(wsConn, opts...), nil
}

// Conn is one Media Streams WebSocket connection.
//
// A single read loop turns inbound messages into Events in arrival order.
// Writes are serialized; after Close has begun no further message is sent.
type Conn struct {
	ws  WebSocket
	cfg *options

	events chan Event
	closed chan struct{}
	done   chan struct{}

	mu        sync.RWMutex
	streamSID string
	callSID   string
	format    codec.Format

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
}

// NewConn wraps an established WebSocket and starts its read loop.
func NewConn(ws WebSocket, opts ...Option) *Conn {
	cfg := buildOptions(opts)
	if cfg.readLimit > 0 {
		ws.SetReadLimit(cfg.readLimit)
	}
	c := &Conn{
		ws:     ws,
		cfg:    cfg,
		events: make(chan Event, cfg.eventBuffer),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		format: codec.Telephony,
	}
	go c.readLoop()
	return c
}

// Events returns inbound events in arrival order. The channel is closed
// when the socket has gone away.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done is closed once the read loop has exited and the socket is released.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// StreamSID returns the stream SID from the start message.
func (c *Conn) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

// CallSID returns the call SID from the start message.
func (c *Conn) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callSID
}

// Format returns the media format announced by the start message.
func (c *Conn) Format() codec.Format {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format
}

// RemoteAddr returns the remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SendMedia sends telephony-encoded audio to the caller.
func (c *Conn) SendMedia(payload []byte) error {
	streamSID, err := c.startedStream()
	if err != nil {
		return err
	}
	msg, err := EncodeMedia(streamSID, payload)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// SendMark sends a mark message for synchronization.
func (c *Conn) SendMark(name string) error {
	streamSID, err := c.startedStream()
	if err != nil {
		return err
	}
	msg, err := EncodeMark(streamSID, name)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Clear clears the audio Twilio has buffered for playback.
func (c *Conn) Clear() error {
	streamSID, err := c.startedStream()
	if err != nil {
		return err
	}
	msg, err := EncodeClear(streamSID)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Closing reports whether Close has begun.
func (c *Conn) Closing() bool {
	return c.closing.Load()
}

// Close sends a close frame and releases the socket. It is safe to call
// more than once and from several goroutines.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closing.Store(true)
		deadline := time.Now().Add(c.cfg.writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()

		close(c.closed)
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) startedStream() (string, error) {
	if c.closing.Load() {
		return "", ErrClosed
	}
	streamSID := c.StreamSID()
	if streamSID == "" {
		return "", ErrNotStarted
	}
	return streamSID, nil
}

func (c *Conn) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closing.Load() {
		return ErrClosed
	}
	if c.cfg.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// readLoop reads messages from the WebSocket.
func (c *Conn) readLoop() {
	defer func() {
		close(c.events)
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %v", ErrTransport, err)})
			}
			return
		}

		if msgType != websocket.TextMessage {
			if !c.emit(violation("unexpected message type %d", msgType)) {
				return
			}
			continue
		}

		ev := Decode(data)
		switch ev.Type {
		case EventStart:
			c.mu.Lock()
			c.streamSID = ev.Start.StreamSID
			c.callSID = ev.Start.CallSID
			c.format = ev.Start.Format
			c.mu.Unlock()
		case EventMedia:
			ev.Frame.Format = c.Format()
		}

		if !c.emit(ev) {
			return
		}
	}
}

// emit delivers ev unless the connection is being closed.
func (c *Conn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}
