package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/agentplexus/callbridge/agent"
	"github.com/agentplexus/callbridge/codec"
	"github.com/agentplexus/callbridge/transport"
)

type fakeTransport struct {
	events chan transport.Event
	done   chan struct{}

	mu     sync.Mutex
	media  [][]byte
	marks  []string
	clears int

	closing    atomic.Bool
	closeCalls atomic.Int32
	closeOnce  sync.Once
	dropOnce   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan transport.Event, 256),
		done:   make(chan struct{}),
	}
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }
func (f *fakeTransport) Done() <-chan struct{}          { return f.done }

func (f *fakeTransport) SendMedia(payload []byte) error {
	if f.closing.Load() {
		return transport.ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, payload)
	return nil
}

func (f *fakeTransport) SendMark(name string) error {
	if f.closing.Load() {
		return transport.ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeTransport) Clear() error {
	if f.closing.Load() {
		return transport.ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeCalls.Add(1)
	f.closeOnce.Do(func() {
		f.closing.Store(true)
		close(f.done)
	})
	return nil
}

// drop simulates the peer going away.
func (f *fakeTransport) drop() {
	f.dropOnce.Do(func() { close(f.events) })
}

func (f *fakeTransport) start(callSID string, params map[string]string) {
	f.events <- transport.Event{
		Type:      transport.EventStart,
		StreamSID: "MZ1",
		Start: &transport.StartInfo{
			StreamSID:        "MZ1",
			CallSID:          callSID,
			Format:           codec.Telephony,
			CustomParameters: params,
		},
	}
}

func (f *fakeTransport) sendMedia(payload []byte) {
	f.events <- transport.Event{
		Type:      transport.EventMedia,
		StreamSID: "MZ1",
		Frame:     codec.Frame{Format: codec.Telephony, Payload: payload},
	}
}

func (f *fakeTransport) stop() {
	f.events <- transport.Event{Type: transport.EventStop, StreamSID: "MZ1"}
}

func (f *fakeTransport) sent() (media [][]byte, marks []string, clears int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.media...), append([]string(nil), f.marks...), f.clears
}

type fakeSession struct {
	in, out codec.Format

	mu       sync.Mutex
	received [][]byte
	closed   bool
	err      error

	events chan agent.Event
	done   chan struct{}

	blocked    atomic.Bool
	stopCalls  atomic.Int32
	afterClose atomic.Int32
}

func newFakeSession(in, out codec.Format) *fakeSession {
	return &fakeSession{
		in:     in,
		out:    out,
		events: make(chan agent.Event, 64),
		done:   make(chan struct{}),
	}
}

func (f *fakeSession) ID() string                 { return "conv_test" }
func (f *fakeSession) InputFormat() codec.Format  { return f.in }
func (f *fakeSession) OutputFormat() codec.Format { return f.out }
func (f *fakeSession) Events() <-chan agent.Event { return f.events }
func (f *fakeSession) Done() <-chan struct{}      { return f.done }

func (f *fakeSession) SendAudio(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.afterClose.Add(1)
		return agent.ErrSessionClosed
	}
	if f.blocked.Load() {
		return agent.ErrBacklog
	}
	f.received = append(f.received, payload)
	return nil
}

func (f *fakeSession) Stop() error {
	f.stopCalls.Add(1)
	f.finish(nil)
	return nil
}

func (f *fakeSession) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// finish ends the session as the engine would.
func (f *fakeSession) finish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.events)
	close(f.done)
}

// emit delivers an engine event unless the session has ended.
func (f *fakeSession) emit(ev agent.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

func (f *fakeSession) submitted() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.received...)
}

type fakeEngine struct {
	session *fakeSession
	err     error
	block   bool

	mu     sync.Mutex
	params []agent.StartParams
}

func (f *fakeEngine) Start(ctx context.Context, params agent.StartParams) (agent.Session, error) {
	f.mu.Lock()
	f.params = append(f.params, params)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeEngine) starts() []agent.StartParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.StartParams(nil), f.params...)
}

type fakeCallControl struct {
	calls atomic.Int32
	sids  chan string
	err   error
}

func newFakeCallControl() *fakeCallControl {
	return &fakeCallControl{sids: make(chan string, 8)}
}

func (f *fakeCallControl) EndCall(ctx context.Context, callSID string) error {
	f.calls.Add(1)
	f.sids <- callSID
	return f.err
}

type harness struct {
	s    *Session
	tr   *fakeTransport
	eng  *fakeEngine
	ai   *fakeSession
	cc   *fakeCallControl
	hook *test.Hook
	errc chan error
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GoodbyeDelay = 10 * time.Millisecond
	cfg.BacklogRetry = 5 * time.Millisecond
	cfg.StartTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config, in, out codec.Format) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)

	h := &harness{
		tr:   newFakeTransport(),
		ai:   newFakeSession(in, out),
		cc:   newFakeCallControl(),
		hook: hook,
		errc: make(chan error, 1),
	}
	h.eng = &fakeEngine{session: h.ai}
	s, err := New(Dependencies{
		Transport:   h.tr,
		Engine:      h.eng,
		CallControl: h.cc,
		Logger:      logrus.NewEntry(logger),
		CallSID:     "CA1",
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.s = s
	return h
}

func (h *harness) run() {
	go func() { h.errc <- h.s.Run(context.Background()) }()
}

func (h *harness) wait(t *testing.T, d time.Duration) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(d):
		t.Fatalf("session did not close within %s (state=%s)", d, h.s.State())
	}
	return nil
}

func (h *harness) count(msg string) int {
	n := 0
	for _, e := range h.hook.AllEntries() {
		if e.Message == msg {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, s *Session, st State) {
	t.Helper()
	waitFor(t, "state "+st.String(), func() bool { return s.State() == st })
}
