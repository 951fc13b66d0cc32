package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/agent"
	"github.com/agentplexus/callbridge/bridge"
	"github.com/agentplexus/callbridge/callcontrol"
	"github.com/agentplexus/callbridge/callstore"
	"github.com/agentplexus/callbridge/transport"
)

const storeTimeout = 5 * time.Second

// callStore is the part of *callstore.Store the handlers use.
type callStore interface {
	Lookup(ctx context.Context, callSID string) (*callstore.Record, error)
	Upsert(ctx context.Context, r callstore.Record) error
	UpdateStatus(ctx context.Context, callSID, status string) error
}

type server struct {
	ctx context.Context

	engine   agent.Engine
	calls    bridge.CallControl
	store    callStore
	registry *bridge.Registry
	bridge   bridge.Config

	publicHost     string
	hangupMachines bool

	bridgeLog *logrus.Entry
	agentLog  *logrus.Entry
	httpLog   *logrus.Entry

	// accept upgrades the media-stream request. Tests replace it.
	accept func(w http.ResponseWriter, r *http.Request) (bridge.Transport, error)
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbridge.MediaStreamPath+"{callSid}", s.handleMediaStream)
	mux.HandleFunc("POST /twilio/call-status", s.handleCallStatus)
	mux.HandleFunc("POST /twilio/outbound_call", s.handleOutboundCall)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	callSID := r.PathValue("callSid")
	log := s.httpLog.WithField("call_sid", callSID)

	vars := callstore.DynamicVariablesFor(s.lookup(r.Context(), callSID))

	conn, err := s.accept(w, r)
	if err != nil {
		log.WithError(err).Warn("media stream upgrade failed")
		return
	}

	sess, err := bridge.New(bridge.Dependencies{
		Transport:        conn,
		Engine:           s.engine,
		CallControl:      s.calls,
		Logger:           s.bridgeLog,
		CallSID:          callSID,
		DynamicVariables: vars,
		OnTranscript:     s.logTranscript(callSID),
	}, s.bridge)
	if err != nil {
		log.WithError(err).Error("bridge session not created")
		_ = conn.Close()
		return
	}

	unregister := s.registry.Register(sess)
	defer unregister()

	if err := sess.Run(s.ctx); err != nil && errors.Is(err, bridge.ErrAISession) {
		s.updateStatus(sess.CallSID(), callbridge.CallStatusFailed)
	}
}

func (s *server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	cb, err := callcontrol.ParseStatusCallback(r)
	if err != nil {
		s.httpLog.WithError(err).Warn("bad status callback")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log := s.httpLog.WithFields(logrus.Fields{"call_sid": cb.CallSID, "status": cb.CallStatus})
	log.Info("call status")

	s.updateStatus(cb.CallSID, cb.CallStatus)
	s.registry.NotifyCallStatus(cb.CallSID, cb.CallStatus)

	if s.hangupMachines && cb.AnsweredByMachine() && s.calls != nil {
		log.WithField("answered_by", cb.AnsweredBy).Info("hanging up machine-answered call")
		ctx, cancel := context.WithTimeout(r.Context(), s.bridge.CallControlTimeout)
		defer cancel()
		if err := s.calls.EndCall(ctx, cb.CallSID); err != nil {
			log.WithError(err).Error("hang up failed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		err := s.store.Upsert(ctx, callstore.Record{
			CallSID:     callSID,
			PhoneNumber: r.PostFormValue("To"),
			CallStatus:  callbridge.CallStatusInitiated,
			CallType:    "outbound",
		})
		cancel()
		if err != nil {
			s.httpLog.WithError(err).WithField("call_sid", callSID).Warn("call record not saved")
		}
	}

	host := s.publicHost
	if host == "" {
		host = r.Host
	}
	twiml, err := callcontrol.StreamTwiML(callcontrol.StreamURL(host, callSID), nil)
	if err != nil {
		s.httpLog.WithError(err).Error("twiml")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(twiml))
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *server) lookup(ctx context.Context, callSID string) *callstore.Record {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	rec, err := s.store.Lookup(ctx, callSID)
	switch {
	case errors.Is(err, callstore.ErrNotFound):
		s.httpLog.WithField("call_sid", callSID).Debug("no call record")
		return nil
	case err != nil:
		s.httpLog.WithError(err).WithField("call_sid", callSID).Warn("call record lookup failed")
		return nil
	}
	return rec
}

func (s *server) updateStatus(callSID, status string) {
	if s.store == nil || callSID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	err := s.store.UpdateStatus(ctx, callSID, status)
	if err != nil && !errors.Is(err, callstore.ErrNotFound) {
		s.httpLog.WithError(err).WithField("call_sid", callSID).Warn("call status not saved")
	}
}

func (s *server) logTranscript(callSID string) func(agent.Event) {
	log := s.agentLog.WithField("call_sid", callSID)
	return func(ev agent.Event) {
		log.WithFields(logrus.Fields{"speaker": string(ev.Speaker), "text": ev.Text}).Debug("transcript")
	}
}

func acceptMediaStream(w http.ResponseWriter, r *http.Request) (bridge.Transport, error) {
	conn, err := transport.Accept(w, r)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
