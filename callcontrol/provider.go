// Package callcontrol ends and updates Twilio calls and builds the TwiML
// that connects a call to the media stream endpoint.
package callcontrol

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/internal/client"
)

// Provider controls calls through the Twilio REST API.
type Provider struct {
	client *client.Client
	log    *logrus.Entry
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Entry
}

// WithAccountSID sets the Twilio Account SID.
func WithAccountSID(sid string) Option {
	return func(o *options) {
		o.accountSID = sid
	}
}

// WithAuthToken sets the Twilio Auth Token.
func WithAuthToken(token string) Option {
	return func(o *options) {
		o.authToken = token
	}
}

// WithBaseURL overrides the Twilio API base URL.
func WithBaseURL(u string) Option {
	return func(o *options) {
		o.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client for API requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New creates a Twilio call-control provider. Credentials not given as
// options are read from TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	twilioClient, err := client.New(&client.Config{
		AccountSID: cfg.accountSID,
		AuthToken:  cfg.authToken,
		BaseURL:    cfg.baseURL,
		HTTPClient: cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}

	log := cfg.logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}

	return &Provider{client: twilioClient, log: log}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "twilio"
}

// CallStatus returns the current Twilio status of a call.
func (p *Provider) CallStatus(ctx context.Context, callSID string) (string, error) {
	call, err := p.client.GetCall(ctx, callSID)
	if err != nil {
		return "", fmt.Errorf("failed to get call: %w", err)
	}
	return call.Status, nil
}

// UpdateCallStatus sets the status of a live call, e.g. "completed" to hang
// up or "canceled" to drop a call that has not been answered.
func (p *Provider) UpdateCallStatus(ctx context.Context, callSID, status string) error {
	call, err := p.client.UpdateCall(ctx, callSID, &client.UpdateCallParams{Status: status})
	if err != nil {
		if p.alreadyEnded(ctx, callSID, err) {
			return nil
		}
		return fmt.Errorf("failed to update call: %w", err)
	}
	p.log.WithFields(logrus.Fields{"call_sid": callSID, "status": call.Status}).Debug("call updated")
	return nil
}

// EndCall hangs up a call. Ending a call that is already over succeeds.
func (p *Provider) EndCall(ctx context.Context, callSID string) error {
	if callSID == "" {
		return fmt.Errorf("call sid is required")
	}
	_, err := p.client.HangupCall(ctx, callSID)
	if err != nil {
		if p.alreadyEnded(ctx, callSID, err) {
			return nil
		}
		return fmt.Errorf("failed to hangup: %w", err)
	}
	p.log.WithField("call_sid", callSID).Info("call ended")
	return nil
}

// alreadyEnded reports whether err from an update means the call had ended
// on its own. The call is fetched to confirm it is in a terminal status.
func (p *Provider) alreadyEnded(ctx context.Context, callSID string, err error) bool {
	if !client.HasCode(err, client.CodeNotFound, client.CodeNotInProgress) {
		return false
	}
	call, getErr := p.client.GetCall(ctx, callSID)
	if getErr != nil {
		if client.HasCode(getErr, client.CodeNotFound) {
			p.log.WithField("call_sid", callSID).Debug("call no longer exists")
			return true
		}
		p.log.WithError(getErr).WithField("call_sid", callSID).Warn("failed to confirm call status")
		return false
	}
	if !callbridge.IsTerminalStatus(call.Status) {
		return false
	}
	p.log.WithFields(logrus.Fields{"call_sid": callSID, "status": call.Status}).Debug("call already ended")
	return true
}
