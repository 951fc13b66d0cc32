package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentplexus/callbridge/agent"
	"github.com/agentplexus/callbridge/codec"
	"github.com/agentplexus/callbridge/transport"
)

var pcm16k = codec.Format{Encoding: codec.PCM16, SampleRate: 16000}

func TestSession_PreservesArrivalOrder(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.run()

	h.tr.start("CA1", nil)
	for i := 0; i < 40; i++ {
		h.tr.sendMedia([]byte{byte(i), byte(i)})
	}
	waitFor(t, "40 submitted frames", func() bool { return len(h.ai.submitted()) == 40 })
	h.tr.stop()
	if err := h.wait(t, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i, p := range h.ai.submitted() {
		if !bytes.Equal(p, []byte{byte(i), byte(i)}) {
			t.Fatalf("frame %d = %v, arrival order broken", i, p)
		}
	}
}

func TestSession_NothingSubmittedAfterStop(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)

	h.tr.start("CA1", nil)
	for i := 0; i < 3; i++ {
		h.tr.sendMedia([]byte{1})
	}
	h.tr.stop()
	for i := 0; i < 3; i++ {
		h.tr.sendMedia([]byte{2})
	}
	h.run()
	if err := h.wait(t, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := h.ai.submitted()
	if len(got) != 3 {
		t.Fatalf("submitted %d frames, want 3", len(got))
	}
	for _, p := range got {
		if p[0] != 1 {
			t.Fatalf("frame after stop was submitted: %v", p)
		}
	}
	if h.ai.afterClose.Load() != 0 {
		t.Fatalf("%d frames sent to a stopped session", h.ai.afterClose.Load())
	}
	if r := h.s.Result(); r.Reason != ReasonStop {
		t.Fatalf("reason=%q", r.Reason)
	}
}

func TestSession_SilenceThenStopCloses(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, pcm16k, pcm16k)
	h.run()

	h.tr.start("CA1", nil)
	silence := bytes.Repeat([]byte{0xFF}, codec.FrameBytes(codec.Telephony, 20*time.Millisecond))
	for i := 0; i < 50; i++ {
		h.tr.sendMedia(silence)
	}
	waitFor(t, "50 submitted frames", func() bool { return len(h.ai.submitted()) == 50 })
	h.tr.stop()

	if err := h.wait(t, cfg.ShutdownTimeout+time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.s.State() != StateClosed {
		t.Fatalf("state=%s", h.s.State())
	}
	if n := h.cc.calls.Load(); n > 1 {
		t.Fatalf("call control invoked %d times", n)
	}
	for i, p := range h.ai.submitted() {
		if len(p) != 640 {
			t.Fatalf("frame %d has %d bytes, want 640", i, len(p))
		}
	}
	if st := h.s.Result().Stats; st.InboundFrames != 50 || st.InboundSubmitted != 50 || st.InboundDropped != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSession_ConcurrentShutdownTriggers(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)

	var wg sync.WaitGroup
	start := make(chan struct{})
	triggers := []func(){
		h.tr.drop,
		func() { h.ai.finish(nil) },
		func() { h.s.RequestEnd(ReasonGoodbye, nil) },
		func() { h.s.NotifyCallStatus("completed") },
		func() { h.s.RequestEnd(ReasonIdle, nil) },
	}
	for _, trigger := range triggers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			trigger()
		}()
	}
	close(start)
	wg.Wait()

	if err := h.wait(t, 2*time.Second); err != nil && !errors.Is(err, ErrAISession) {
		t.Fatalf("Run: %v", err)
	}
	if h.s.State() != StateClosed {
		t.Fatalf("state=%s", h.s.State())
	}
	if n := h.count("session closed"); n != 1 {
		t.Fatalf("shutdown ran %d times", n)
	}
	if n := h.ai.stopCalls.Load(); n != 1 {
		t.Fatalf("ai Stop called %d times", n)
	}
	if n := h.cc.calls.Load(); n > 1 {
		t.Fatalf("call control invoked %d times", n)
	}

	// Later requests are no-ops.
	if h.s.RequestEnd(ReasonStop, nil) {
		t.Fatalf("RequestEnd after close reported first")
	}
}

func TestSession_GoodbyeEndsCallOnce(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)

	h.ai.emit(agent.Event{Type: agent.EventTranscript, Speaker: agent.SpeakerCaller, Text: "goodbye"})
	h.ai.emit(agent.Event{Type: agent.EventTranscript, Speaker: agent.SpeakerAgent, Text: "Goodbye, have a great day!"})
	h.ai.emit(agent.Event{Type: agent.EventTranscript, Speaker: agent.SpeakerAgent, Text: "goodbye again"})

	if err := h.wait(t, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := h.s.Result()
	if r.Reason != ReasonGoodbye {
		t.Fatalf("reason=%q", r.Reason)
	}
	if n := h.cc.calls.Load(); n != 1 {
		t.Fatalf("call control invoked %d times", n)
	}
	if sid := <-h.cc.sids; sid != "CA1" {
		t.Fatalf("ended call %q", sid)
	}
}

func TestSession_UtterancesReachHook(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	var mu sync.Mutex
	var texts []string
	h.s.onText = func(ev agent.Event) {
		mu.Lock()
		texts = append(texts, string(ev.Speaker)+":"+ev.Text)
		mu.Unlock()
	}
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)
	h.ai.emit(agent.Event{Type: agent.EventTranscript, Speaker: agent.SpeakerAgent, Text: "Hello"})
	h.ai.emit(agent.Event{Type: agent.EventTranscript, Speaker: agent.SpeakerCaller, Text: "Hi"})
	waitFor(t, "two utterances", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 2
	})
	h.tr.stop()
	h.wait(t, 2*time.Second)

	if texts[0] != "agent:Hello" || texts[1] != "caller:Hi" {
		t.Fatalf("texts=%v", texts)
	}
}

func TestSession_AIStartFailure(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.eng.err = errors.New("agent unavailable")
	h.tr.start("CA1", nil)
	h.run()

	err := h.wait(t, 2*time.Second)
	if !errors.Is(err, ErrAISession) {
		t.Fatalf("Run err=%v, want ErrAISession", err)
	}
	if h.s.State() != StateClosed {
		t.Fatalf("state=%s", h.s.State())
	}
	if r := h.s.Result(); r.Reason != ReasonAIStartFailed {
		t.Fatalf("reason=%q", r.Reason)
	}
	if h.cc.calls.Load() != 1 {
		t.Fatalf("call not ended after start failure")
	}
	if !h.tr.closing.Load() {
		t.Fatalf("transport left open")
	}
	if h.count("session ending") != 0 {
		t.Fatalf("start failure passed through ending")
	}
}

func TestSession_AIFailureEndsSession(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)

	h.ai.finish(errors.New("socket reset"))
	err := h.wait(t, 2*time.Second)
	if !errors.Is(err, ErrAISession) {
		t.Fatalf("Run err=%v", err)
	}
	if r := h.s.Result(); r.Reason != ReasonAIFailed {
		t.Fatalf("reason=%q", r.Reason)
	}
	if h.cc.calls.Load() != 1 {
		t.Fatalf("call not ended after ai failure")
	}
}

func TestSession_AIEndedCleanly(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)

	h.ai.finish(nil)
	if err := h.wait(t, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r := h.s.Result(); r.Reason != ReasonAIEnded || r.ConversationID != "conv_test" {
		t.Fatalf("result=%+v", r)
	}
}

func TestSession_OutboundAudioMarksAndClear(t *testing.T) {
	cfg := testConfig()
	cfg.SendMarks = true
	h := newHarness(t, cfg, codec.Telephony, pcm16k)
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)

	h.ai.emit(agent.Event{Type: agent.EventAudio, ID: 1, Audio: make([]byte, 640)})
	h.ai.emit(agent.Event{Type: agent.EventAudio, ID: 2, Audio: []byte{1}}) // odd PCM length is dropped
	h.ai.emit(agent.Event{Type: agent.EventAudio, ID: 3, Audio: make([]byte, 640)})
	h.ai.emit(agent.Event{Type: agent.EventInterruption, ID: 3})

	waitFor(t, "clear", func() bool {
		_, _, clears := h.tr.sent()
		return clears == 1
	})
	media, marks, _ := h.tr.sent()
	if len(media) != 2 || len(media[0]) != 160 {
		t.Fatalf("media=%d frames", len(media))
	}
	if fmt.Sprint(marks) != "[agent-1 agent-3]" {
		t.Fatalf("marks=%v", marks)
	}

	h.tr.stop()
	h.wait(t, 2*time.Second)
	st := h.s.Result().Stats
	if st.OutboundFrames != 2 || st.CodecErrors != 1 || st.Interruptions != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if n := h.count("dropping frame"); n != 1 {
		t.Fatalf("codec error logged %d times", n)
	}
}

func TestSession_NoAudioAfterTransportCloses(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)

	h.tr.Close()
	h.ai.emit(agent.Event{Type: agent.EventAudio, ID: 1, Audio: []byte{0xFF}})
	h.tr.drop()
	h.wait(t, 2*time.Second)

	if media, _, _ := h.tr.sent(); len(media) != 0 {
		t.Fatalf("sent %d frames after close", len(media))
	}
}

func TestSession_BacklogDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.InboundWatermark = 3
	h := newHarness(t, cfg, codec.Telephony, codec.Telephony)
	h.ai.blocked.Store(true)
	h.run()
	h.tr.start("CA1", nil)

	for i := 0; i < 5; i++ {
		h.tr.sendMedia([]byte{byte(i)})
	}
	waitFor(t, "5 inbound frames", func() bool { return h.s.Stats().InboundFrames == 5 })
	h.ai.blocked.Store(false)
	waitFor(t, "queued frames flushed", func() bool { return len(h.ai.submitted()) == 3 })

	got := h.ai.submitted()
	for i, want := range []byte{2, 3, 4} {
		if got[i][0] != want {
			t.Fatalf("submitted %v, want newest frames 2,3,4", got)
		}
	}
	if d := h.s.Stats().InboundDropped; d != 2 {
		t.Fatalf("dropped=%d", d)
	}
	h.tr.stop()
	h.wait(t, 2*time.Second)
}

func TestSession_CallCompletedSkipsHangup(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)

	if h.s.NotifyCallStatus("in-progress") {
		t.Fatalf("non-terminal status ended the session")
	}
	if !h.s.NotifyCallStatus("completed") {
		t.Fatalf("terminal status ignored")
	}
	h.wait(t, 2*time.Second)
	if r := h.s.Result(); r.Reason != ReasonCallCompleted {
		t.Fatalf("reason=%q", r.Reason)
	}
	if h.cc.calls.Load() != 0 {
		t.Fatalf("completed call was hung up again")
	}
}

func TestSession_StartTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.StartTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, codec.Telephony, codec.Telephony)
	h.run()

	if err := h.wait(t, 2*time.Second); err == nil {
		t.Fatalf("expected start timeout error")
	}
	if r := h.s.Result(); r.Reason != ReasonStartTimeout {
		t.Fatalf("reason=%q", r.Reason)
	}
	if len(h.eng.starts()) != 0 {
		t.Fatalf("ai session started without a stream")
	}
	if h.cc.calls.Load() != 1 {
		t.Fatalf("call not ended")
	}
}

func TestSession_ProtocolViolation(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)

	h.tr.events <- transport.Event{Type: transport.EventError, Err: fmt.Errorf("%w: bad json", transport.ErrProtocolViolation)}
	err := h.wait(t, 2*time.Second)
	if !errors.Is(err, transport.ErrProtocolViolation) {
		t.Fatalf("Run err=%v", err)
	}
	if r := h.s.Result(); r.Reason != ReasonProtocolViolation {
		t.Fatalf("reason=%q", r.Reason)
	}
}

func TestSession_TransportErrorBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.tr.events <- transport.Event{Type: transport.EventError, Err: fmt.Errorf("%w: reset", transport.ErrTransport)}
	h.run()
	h.wait(t, 2*time.Second)
	if r := h.s.Result(); r.Reason != ReasonTransportError {
		t.Fatalf("reason=%q", r.Reason)
	}
	if h.s.State() != StateClosed {
		t.Fatalf("state=%s", h.s.State())
	}
}

func TestSession_PeerDisconnect(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)
	h.tr.drop()
	if err := h.wait(t, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r := h.s.Result(); r.Reason != ReasonTransportClosed {
		t.Fatalf("reason=%q", r.Reason)
	}
}

func TestSession_IdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, codec.Telephony, codec.Telephony)
	h.run()
	h.tr.start("CA1", nil)
	h.wait(t, 2*time.Second)
	if r := h.s.Result(); r.Reason != ReasonIdle {
		t.Fatalf("reason=%q", r.Reason)
	}
}

func TestSession_ContextCancel(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.errc <- h.s.Run(ctx) }()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)
	cancel()
	err := h.wait(t, 2*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v", err)
	}
	if r := h.s.Result(); r.Reason != ReasonCanceled {
		t.Fatalf("reason=%q", r.Reason)
	}
}

func TestSession_DynamicVariables(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.s.vars = map[string]string{"user_name": "Ada"}
	h.run()
	h.tr.start("CA1", map[string]string{"user_name": "ignored", "campaign": "spring"})
	waitState(t, h.s, StateStreaming)
	h.tr.stop()
	h.wait(t, 2*time.Second)

	starts := h.eng.starts()
	if len(starts) != 1 {
		t.Fatalf("engine started %d times", len(starts))
	}
	vars := starts[0].DynamicVariables
	if vars["user_name"] != "Ada" || vars["campaign"] != "spring" || starts[0].CallSID != "CA1" {
		t.Fatalf("start params=%+v", starts[0])
	}
}

func TestSession_RunTwice(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)

	second := make(chan error, 1)
	go func() { second <- h.s.Run(context.Background()) }()
	h.tr.stop()
	h.wait(t, 2*time.Second)
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second Run did not return")
	}
	if len(h.eng.starts()) != 1 {
		t.Fatalf("engine started %d times", len(h.eng.starts()))
	}
}

func TestSession_CallControlFailureIsReported(t *testing.T) {
	h := newHarness(t, testConfig(), codec.Telephony, codec.Telephony)
	h.cc.err = errors.New("twilio error 20003: Authenticate")
	h.run()
	h.tr.start("CA1", nil)
	waitState(t, h.s, StateStreaming)
	h.tr.stop()
	if err := h.wait(t, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r := h.s.Result(); !errors.Is(r.CallControlErr, ErrCallControl) {
		t.Fatalf("CallControlErr=%v", r.CallControlErr)
	}
}

func TestNew_RequiresTransportAndEngine(t *testing.T) {
	if _, err := New(Dependencies{Engine: &fakeEngine{}}, DefaultConfig()); err == nil {
		t.Fatalf("expected error without transport")
	}
	if _, err := New(Dependencies{Transport: newFakeTransport()}, DefaultConfig()); err == nil {
		t.Fatalf("expected error without engine")
	}
}
