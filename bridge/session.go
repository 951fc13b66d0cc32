// Package bridge connects one Twilio media stream to one conversational-AI
// session for the lifetime of a phone call.
//
// A Session pumps caller audio into the AI session and agent audio back to
// the caller, watches agent utterances for a closing phrase, and runs a single
// shutdown no matter how many triggers race to end the call.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/agent"
	"github.com/agentplexus/callbridge/codec"
	"github.com/agentplexus/callbridge/transport"
)

var (
	// ErrAISession marks a failure to start or keep the AI session.
	ErrAISession = errors.New("ai session error")

	// ErrCallControl marks a failure to end the phone call.
	ErrCallControl = errors.New("call control error")
)

// Transport is the telephony side of a session. *transport.Conn implements it.
type Transport interface {
	Events() <-chan transport.Event
	SendMedia(payload []byte) error
	SendMark(name string) error
	Clear() error
	Close() error
	Done() <-chan struct{}
}

// CallControl ends the underlying phone call. Ending a call that is already
// over must succeed.
type CallControl interface {
	EndCall(ctx context.Context, callSID string) error
}

var _ Transport = (*transport.Conn)(nil)

// Config tunes a Session.
type Config struct {
	GoodbyePhrases []string
	GoodbyeDelay   time.Duration

	// InboundWatermark bounds caller frames queued while the AI session
	// reports backlog. The oldest frame is dropped on overflow.
	InboundWatermark int
	BacklogRetry     time.Duration

	StartTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CallControlTimeout time.Duration

	// IdleTimeout ends the session when the caller side sends nothing for
	// that long. Zero disables it.
	IdleTimeout time.Duration

	// SendMarks sends a mark after every agent audio chunk.
	SendMarks bool
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		GoodbyePhrases:     append([]string(nil), DefaultGoodbyePhrases...),
		GoodbyeDelay:       DefaultGoodbyeDelay,
		InboundWatermark:   50,
		BacklogRetry:       20 * time.Millisecond,
		StartTimeout:       10 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		CallControlTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GoodbyePhrases == nil {
		c.GoodbyePhrases = d.GoodbyePhrases
	}
	if c.GoodbyeDelay < 0 {
		c.GoodbyeDelay = 0
	}
	if c.InboundWatermark <= 0 {
		c.InboundWatermark = d.InboundWatermark
	}
	if c.BacklogRetry <= 0 {
		c.BacklogRetry = d.BacklogRetry
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.CallControlTimeout <= 0 {
		c.CallControlTimeout = d.CallControlTimeout
	}
	return c
}

// Dependencies are the collaborators of one Session.
type Dependencies struct {
	Transport Transport
	Engine    agent.Engine

	// CallControl may be nil, in which case the call is never hung up.
	CallControl CallControl

	Logger *logrus.Entry

	// CallSID is the call the stream is expected to belong to. The start
	// message is authoritative.
	CallSID string

	// DynamicVariables are passed to the AI session. Custom stream
	// parameters fill in names not set here.
	DynamicVariables map[string]string

	// OnTranscript, if set, receives every completed utterance.
	OnTranscript func(agent.Event)

	Now func() time.Time
}

// Stats counts audio handled by a session.
type Stats struct {
	InboundFrames    int64
	InboundSubmitted int64
	InboundDropped   int64
	OutboundFrames   int64
	Interruptions    int64
	MarksAcked       int64
	CodecErrors      int64
}

type stats struct {
	inboundFrames    atomic.Int64
	inboundSubmitted atomic.Int64
	inboundDropped   atomic.Int64
	outboundFrames   atomic.Int64
	interruptions    atomic.Int64
	marksAcked       atomic.Int64
	codecErrors      atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		InboundFrames:    s.inboundFrames.Load(),
		InboundSubmitted: s.inboundSubmitted.Load(),
		InboundDropped:   s.inboundDropped.Load(),
		OutboundFrames:   s.outboundFrames.Load(),
		Interruptions:    s.interruptions.Load(),
		MarksAcked:       s.marksAcked.Load(),
		CodecErrors:      s.codecErrors.Load(),
	}
}

// Summary describes a finished session.
type Summary struct {
	SessionID      string
	CallSID        string
	StreamSID      string
	ConversationID string
	Reason         EndReason
	Err            error
	CallControlErr error
	Stats          Stats
	StartedAt      time.Time
	EndedAt        time.Time
}

// Session bridges one media stream to one AI session.
type Session struct {
	id     string
	cfg    Config
	tr     Transport
	engine agent.Engine
	cc     CallControl
	vars   map[string]string
	onText func(agent.Event)
	now    func() time.Time

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}

	mu        sync.RWMutex
	log       *logrus.Entry
	callSID   string
	streamSID string
	ai        agent.Session
	result    Summary

	endOnce   sync.Once
	ending    chan struct{}
	reason    EndReason
	endErr    error
	cancelRun context.CancelFunc

	callOnce      sync.Once
	callCompleted atomic.Bool
	callErr       error

	goodbye      *GoodbyeMonitor
	stats        stats
	lastActivity atomic.Int64
	startedAt    time.Time

	inWarned  atomic.Bool
	outWarned atomic.Bool
}

// New creates a Session. Run starts it.
func New(deps Dependencies, cfg Config) (*Session, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("bridge: transport is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("bridge: engine is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	log := deps.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}

	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg.withDefaults(),
		tr:      deps.Transport,
		engine:  deps.Engine,
		cc:      deps.CallControl,
		vars:    deps.DynamicVariables,
		onText:  deps.OnTranscript,
		now:     now,
		done:    make(chan struct{}),
		ending:  make(chan struct{}),
		callSID: deps.CallSID,
	}
	s.log = log.WithField("session_id", s.id)
	if deps.CallSID != "" {
		s.log = s.log.WithField("call_sid", deps.CallSID)
	}
	s.goodbye = NewGoodbyeMonitor(s.cfg.GoodbyePhrases, s.cfg.GoodbyeDelay, s.goodbyeElapsed)
	s.startedAt = now()
	s.lastActivity.Store(s.startedAt.UnixNano())
	return s, nil
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// CallSID returns the call SID, from the start message once it arrived.
func (s *Session) CallSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSID
}

// StreamSID returns the stream SID from the start message.
func (s *Session) StreamSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSID
}

// LastActivity returns when the caller side last sent a message.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Stats returns live audio counters.
func (s *Session) Stats() Stats { return s.stats.snapshot() }

// Result returns the session summary. It is complete once Done is closed.
func (s *Session) Result() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

func (s *Session) logger() *logrus.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log
}

// RequestEnd asks the session to shut down. Only the first request counts;
// it reports whether this call was that request.
func (s *Session) RequestEnd(reason EndReason, err error) bool {
	first := false
	s.endOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.reason = reason
		s.endErr = err
		cancel := s.cancelRun
		s.mu.Unlock()
		close(s.ending)
		if cancel != nil {
			cancel()
		}
	})
	return first
}

// NotifyCallStatus reports a Twilio call status. A terminal status ends the
// session without hanging up again.
func (s *Session) NotifyCallStatus(status string) bool {
	if !callbridge.IsTerminalStatus(status) {
		return false
	}
	s.callCompleted.Store(true)
	return s.RequestEnd(ReasonCallCompleted, nil)
}

func (s *Session) isEnding() bool {
	select {
	case <-s.ending:
		return true
	default:
		return false
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the session until it ends. A second call waits for the first
// to finish and returns nil.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		<-s.done
		return nil
	}
	defer close(s.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()
	if s.isEnding() {
		cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		s.RequestEnd(ReasonCanceled, ctx.Err())
	})
	defer stop()

	s.logger().Debug("waiting for stream start")
	info, ok := s.awaitStart()
	if !ok {
		s.shutdown()
		return s.Result().Err
	}

	ai, err := s.startAI(runCtx, info)
	if err != nil {
		s.RequestEnd(ReasonAIStartFailed, fmt.Errorf("%w: start: %w", ErrAISession, err))
		s.shutdown()
		return s.Result().Err
	}

	s.setState(StateStreaming)
	s.logger().WithFields(logrus.Fields{
		"conversation_id": ai.ID(),
		"input_format":    ai.InputFormat().String(),
		"output_format":   ai.OutputFormat().String(),
	}).Info("streaming")

	var g errgroup.Group
	g.Go(func() error {
		return s.pumpInbound(ai, codec.NewTranscoder(info.Format, ai.InputFormat()))
	})
	g.Go(func() error {
		return s.pumpOutbound(ai, codec.NewTranscoder(ai.OutputFormat(), info.Format))
	})

	<-s.ending
	s.shutdown(g.Wait)
	return s.Result().Err
}

// awaitStart consumes transport events until the stream's start message.
func (s *Session) awaitStart() (*transport.StartInfo, bool) {
	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()

	events := s.tr.Events()
	for {
		select {
		case <-s.ending:
			return nil, false
		case <-timer.C:
			s.RequestEnd(ReasonStartTimeout, fmt.Errorf("no start message within %s", s.cfg.StartTimeout))
			return nil, false
		case ev, ok := <-events:
			if !ok {
				s.RequestEnd(ReasonTransportClosed, nil)
				return nil, false
			}
			s.touch()
			switch ev.Type {
			case transport.EventConnected:
			case transport.EventStart:
				s.recordStart(ev.Start)
				return ev.Start, true
			case transport.EventStop:
				s.RequestEnd(ReasonStop, nil)
				return nil, false
			case transport.EventError:
				s.endOnTransportError(ev.Err)
				return nil, false
			case transport.EventMedia, transport.EventMark, transport.EventDTMF:
				s.RequestEnd(ReasonProtocolViolation,
					fmt.Errorf("%w: %s before start", transport.ErrProtocolViolation, ev.Type))
				return nil, false
			}
		}
	}
}

func (s *Session) recordStart(info *transport.StartInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callSID != "" && s.callSID != info.CallSID {
		s.log.WithField("start_call_sid", info.CallSID).Warn("start message names a different call")
	}
	s.callSID = info.CallSID
	s.streamSID = info.StreamSID
	s.log = s.log.WithFields(logrus.Fields{"call_sid": info.CallSID, "stream_sid": info.StreamSID})
	s.log.WithField("format", info.Format.String()).Info("stream started")
}

func (s *Session) startAI(ctx context.Context, info *transport.StartInfo) (agent.Session, error) {
	vars := make(map[string]string, len(s.vars)+len(info.CustomParameters))
	for k, v := range info.CustomParameters {
		vars[k] = v
	}
	for k, v := range s.vars {
		vars[k] = v
	}

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	ai, err := s.engine.Start(startCtx, agent.StartParams{CallSID: info.CallSID, DynamicVariables: vars})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ai = ai
	s.mu.Unlock()
	return ai, nil
}

func (s *Session) endOnTransportError(err error) {
	if errors.Is(err, transport.ErrProtocolViolation) {
		s.RequestEnd(ReasonProtocolViolation, err)
		return
	}
	s.RequestEnd(ReasonTransportError, err)
}

func (s *Session) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// pumpInbound feeds caller audio to the AI session in arrival order.
func (s *Session) pumpInbound(ai agent.Session, tc *codec.Transcoder) error {
	queue := newFrameQueue(s.cfg.InboundWatermark)

	retry := time.NewTimer(s.cfg.BacklogRetry)
	retry.Stop()
	defer retry.Stop()
	retryArmed := false

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if s.cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(s.cfg.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	// flush submits queued frames until the queue drains or the AI session
	// pushes back. It returns false once the session is ending.
	flush := func() bool {
		for queue.len() > 0 {
			if s.isEnding() {
				return false
			}
			err := ai.SendAudio(queue.front())
			switch {
			case err == nil:
				queue.pop()
				s.stats.inboundSubmitted.Add(1)
			case errors.Is(err, agent.ErrBacklog):
				if !retryArmed {
					retry.Reset(s.cfg.BacklogRetry)
					retryArmed = true
				}
				return true
			case errors.Is(err, agent.ErrSessionClosed):
				s.endOnAIExit(ai)
				return false
			default:
				s.RequestEnd(ReasonAIFailed, fmt.Errorf("%w: send audio: %w", ErrAISession, err))
				return false
			}
		}
		return true
	}

	events := s.tr.Events()
	for {
		select {
		case <-s.ending:
			return nil

		case <-retry.C:
			retryArmed = false
			if !flush() {
				return nil
			}

		case <-idle:
			s.RequestEnd(ReasonIdle, nil)
			return nil

		case ev, ok := <-events:
			if !ok {
				s.RequestEnd(ReasonTransportClosed, nil)
				return nil
			}
			s.touch()
			if idleTimer != nil {
				idleTimer.Reset(s.cfg.IdleTimeout)
			}

			switch ev.Type {
			case transport.EventMedia:
				s.stats.inboundFrames.Add(1)
				payload, err := tc.Convert(ev.Frame.Payload)
				if err != nil {
					s.codecError(&s.inWarned, "inbound", err)
					continue
				}
				if queue.push(payload) {
					s.stats.inboundDropped.Add(1)
				}
				if retryArmed {
					continue
				}
				if !flush() {
					return nil
				}
			case transport.EventStop:
				s.logger().Info("stream stopped by caller side")
				s.RequestEnd(ReasonStop, nil)
				return nil
			case transport.EventMark:
				s.stats.marksAcked.Add(1)
				s.logger().WithField("mark", ev.Mark).Trace("mark played")
			case transport.EventDTMF:
				s.logger().WithField("digit", ev.Digit).Info("dtmf received")
			case transport.EventStart:
				s.logger().Warn("duplicate start message ignored")
			case transport.EventError:
				s.endOnTransportError(ev.Err)
				return nil
			}
		}
	}
}

// pumpOutbound plays agent audio to the caller in production order.
func (s *Session) pumpOutbound(ai agent.Session, tc *codec.Transcoder) error {
	events := ai.Events()
	for {
		select {
		case <-s.ending:
			return nil

		case ev, ok := <-events:
			if !ok {
				s.endOnAIExit(ai)
				return nil
			}
			switch ev.Type {
			case agent.EventAudio:
				if s.isEnding() {
					return nil
				}
				payload, err := tc.Convert(ev.Audio)
				if err != nil {
					s.codecError(&s.outWarned, "outbound", err)
					continue
				}
				if !s.send(s.tr.SendMedia(payload)) {
					return nil
				}
				s.stats.outboundFrames.Add(1)
				if s.cfg.SendMarks {
					if !s.send(s.tr.SendMark(fmt.Sprintf("agent-%d", ev.ID))) {
						return nil
					}
				}

			case agent.EventInterruption:
				s.stats.interruptions.Add(1)
				s.logger().Debug("caller interrupted agent")
				if !s.send(s.tr.Clear()) {
					return nil
				}

			case agent.EventTranscript:
				s.logger().WithFields(logrus.Fields{"speaker": string(ev.Speaker), "text": ev.Text}).Info("utterance")
				if s.onText != nil {
					s.onText(ev)
				}
				if ev.Speaker == agent.SpeakerAgent && s.goodbye.OnAgentUtterance(ev.Text) {
					s.logger().WithField("delay", s.cfg.GoodbyeDelay.String()).Info("goodbye detected, ending call after delay")
				}

			case agent.EventCorrection:
				s.logger().WithField("text", ev.Text).Debug("agent response corrected")
			}
		}
	}
}

// send handles the result of a transport write. It returns false when the
// pump should stop.
func (s *Session) send(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, transport.ErrClosed) {
		return false
	}
	s.RequestEnd(ReasonTransportError, err)
	return false
}

func (s *Session) endOnAIExit(ai agent.Session) {
	if err := ai.Err(); err != nil {
		s.RequestEnd(ReasonAIFailed, fmt.Errorf("%w: %w", ErrAISession, err))
		return
	}
	s.RequestEnd(ReasonAIEnded, nil)
}

func (s *Session) codecError(warned *atomic.Bool, direction string, err error) {
	s.stats.codecErrors.Add(1)
	log := s.logger().WithError(err).WithField("direction", direction)
	if warned.CompareAndSwap(false, true) {
		log.Warn("dropping frame")
		return
	}
	log.Debug("dropping frame")
}

// goodbyeElapsed runs when the goodbye grace delay has passed.
func (s *Session) goodbyeElapsed() {
	if s.isEnding() {
		return
	}
	s.endCall(ReasonGoodbye)
	s.RequestEnd(ReasonGoodbye, nil)
}

// endCall hangs up the phone call at most once per session.
func (s *Session) endCall(reason EndReason) {
	s.callOnce.Do(func() {
		callSID := s.CallSID()
		if s.cc == nil || callSID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallControlTimeout)
		defer cancel()
		if err := s.cc.EndCall(ctx, callSID); err != nil {
			err = fmt.Errorf("%w: %w", ErrCallControl, err)
			s.mu.Lock()
			s.callErr = err
			s.mu.Unlock()
			s.logger().WithError(err).Warn("failed to end call")
			return
		}
		s.logger().WithField("reason", string(reason)).Info("call ended")
	})
}

// shutdown runs once, from Run, after the end gate has closed. waits are
// extra functions to wait for, such as the pumps.
func (s *Session) shutdown(waits ...func() error) {
	s.mu.RLock()
	reason, endErr, ai := s.reason, s.endErr, s.ai
	s.mu.RUnlock()
	startFailed := reason == ReasonAIStartFailed && ai == nil

	log := s.logger().WithField("reason", string(reason))
	if endErr != nil {
		log = log.WithError(endErr)
	}
	if startFailed {
		log.Error("ai session failed to start")
	} else {
		s.setState(StateEnding)
		log.Info("session ending")
	}

	s.goodbye.Cancel()
	if ai != nil {
		if err := ai.Stop(); err != nil {
			log.WithError(err).Debug("ai session stop")
		}
	}
	if err := s.tr.Close(); err != nil {
		log.WithError(err).Debug("transport close")
	}
	if !s.callCompleted.Load() {
		s.endCall(reason)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	waitCh := func(ch <-chan struct{}, what string) {
		select {
		case <-ch:
		case <-waitCtx.Done():
			log.WithField("waiting_for", what).Warn("shutdown timed out")
		}
	}
	for _, w := range waits {
		ch := make(chan struct{})
		go func() {
			_ = w()
			close(ch)
		}()
		waitCh(ch, "pumps")
	}
	waitCh(s.tr.Done(), "transport")
	if ai != nil {
		waitCh(ai.Done(), "ai session")
	}

	s.mu.Lock()
	s.result = Summary{
		SessionID:      s.id,
		CallSID:        s.callSID,
		StreamSID:      s.streamSID,
		Reason:         reason,
		Err:            endErr,
		CallControlErr: s.callErr,
		Stats:          s.stats.snapshot(),
		StartedAt:      s.startedAt,
		EndedAt:        s.now(),
	}
	if ai != nil {
		s.result.ConversationID = ai.ID()
	}
	s.mu.Unlock()

	s.setState(StateClosed)
	st := s.result.Stats
	log.WithFields(logrus.Fields{
		"inbound_frames":  st.InboundFrames,
		"inbound_dropped": st.InboundDropped,
		"outbound_frames": st.OutboundFrames,
	}).Info("session closed")
}
