// Command callbridge answers Twilio Media Streams and bridges each call to an
// ElevenLabs conversational agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentplexus/callbridge/bridge"
	"github.com/agentplexus/callbridge/callcontrol"
	"github.com/agentplexus/callbridge/callstore"
	"github.com/agentplexus/callbridge/convai"
	"github.com/agentplexus/callbridge/internal/config"
	"github.com/agentplexus/callbridge/internal/logging"
)

func main() {
	path := flag.String("config", config.DefaultPath, "settings file")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, "callbridge:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	settings, err := config.Load(path)
	if err != nil {
		return err
	}
	logs := logging.Setup(settings.File())
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	calls, err := callcontrol.New(
		callcontrol.WithAccountSID(settings.TwilioAccountSID()),
		callcontrol.WithAuthToken(settings.TwilioAuthToken()),
		callcontrol.WithBaseURL(settings.TwilioBaseURL()),
		callcontrol.WithLogger(logs.Twilio),
	)
	if err != nil {
		return err
	}

	engineOpts := []convai.Option{
		convai.WithAPIKey(settings.ElevenLabsAPIKey()),
		convai.WithAgentID(settings.ElevenLabsAgentID()),
		convai.WithRequireAuth(settings.ElevenLabsRequireAuth()),
		convai.WithInputQueue(settings.ElevenLabsInputQueue()),
	}
	if u := settings.ElevenLabsAPIBaseURL(); u != "" {
		engineOpts = append(engineOpts, convai.WithAPIBaseURL(u))
	}
	if u := settings.ElevenLabsWSBaseURL(); u != "" {
		engineOpts = append(engineOpts, convai.WithWSBaseURL(u))
	}
	engine, err := convai.New(engineOpts...)
	if err != nil {
		return err
	}

	// Sessions are not tied to the signal context; EndAll stops them.
	sessions, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	srv := &server{
		ctx:            sessions,
		engine:         engine,
		calls:          calls,
		registry:       bridge.NewRegistry(),
		bridge:         settings.Bridge(),
		publicHost:     settings.PublicHost(),
		hangupMachines: settings.HangupMachines(),
		bridgeLog:      logs.Bridge,
		agentLog:       logs.Convai,
		httpLog:        logs.HTTP,
		accept:         acceptMediaStream,
	}
	if dsn := settings.DatabaseDSN(); dsn != "" {
		store, err := callstore.New(ctx, dsn)
		if err != nil {
			return err
		}
		defer store.Close()
		if settings.DatabaseMigrate() {
			versions, err := store.Migrate(ctx)
			if err != nil {
				return err
			}
			logs.Core.WithField("applied", versions).Info("database migrated")
		}
		srv.store = store
	}

	httpServer := &http.Server{
		Addr:              settings.ListenAddress(),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logs.Core.WithField("address", httpServer.Addr).WithField("agent_id", engine.AgentID()).Info("listening")
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logs.Core.WithField("sessions", srv.registry.Count()).Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Bridge().ShutdownTimeout+5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logs.Core.WithError(err).Warn("http shutdown")
	}
	srv.registry.EndAll(bridge.ReasonShutdown)
	if !srv.registry.Wait(shutdownCtx) {
		logs.Core.Warn("sessions still open at exit")
	}
	return nil
}
