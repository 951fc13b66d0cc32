// Package config loads callbridge settings from an ini file.
package config

import (
	"fmt"
	"os"
	"time"

	ini "gopkg.in/ini.v1"

	"github.com/agentplexus/callbridge/bridge"
)

// DefaultPath is the settings file read when none is given.
const DefaultPath = "settings.ini"

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	file *ini.File

	listenAddress string
	publicHost    string

	twilioAccountSID string
	twilioAuthToken  string
	twilioBaseURL    string
	hangupMachines   bool

	elevenLabsAPIKey      string
	elevenLabsAgentID     string
	elevenLabsRequireAuth bool
	elevenLabsWSBaseURL   string
	elevenLabsAPIBaseURL  string
	elevenLabsInputQueue  int

	goodbyePhrases     []string
	goodbyeDelay       time.Duration
	inboundWatermark   int
	backlogRetry       time.Duration
	startTimeout       time.Duration
	shutdownTimeout    time.Duration
	callControlTimeout time.Duration
	idleTimeout        time.Duration
	sendMarks          bool

	databaseDSN     string
	databaseMigrate bool
}

// Load reads settings from path. A missing file yields defaults, with
// secrets taken from the environment.
func Load(path string) (*Settings, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return Parse(cfg)
}

// Parse extracts settings from a loaded ini file and validates them.
func Parse(cfg *ini.File) (*Settings, error) {
	s := &Settings{file: cfg}
	defaults := bridge.DefaultConfig()

	sec := cfg.Section("server")
	s.listenAddress = sec.Key("listen_address").MustString(":8080")
	s.publicHost = sec.Key("public_host").String()

	sec = cfg.Section("twilio")
	s.twilioAccountSID = envOr(sec.Key("account_sid").String(), "TWILIO_ACCOUNT_SID")
	s.twilioAuthToken = envOr(sec.Key("auth_token").String(), "TWILIO_AUTH_TOKEN")
	s.twilioBaseURL = sec.Key("api_base_url").String()
	s.hangupMachines = sec.Key("hangup_machines").MustBool(true)

	sec = cfg.Section("elevenlabs")
	s.elevenLabsAPIKey = envOr(sec.Key("api_key").String(), "ELEVENLABS_API_KEY")
	s.elevenLabsAgentID = envOr(sec.Key("agent_id").String(), "ELEVENLABS_AGENT_ID")
	s.elevenLabsRequireAuth = sec.Key("require_auth").MustBool(true)
	s.elevenLabsWSBaseURL = sec.Key("ws_base_url").String()
	s.elevenLabsAPIBaseURL = sec.Key("api_base_url").String()
	s.elevenLabsInputQueue = sec.Key("input_queue").MustInt(32)

	sec = cfg.Section("bridge")
	s.goodbyePhrases = sec.Key("goodbye_phrases").Strings(",")
	if len(s.goodbyePhrases) == 0 {
		s.goodbyePhrases = defaults.GoodbyePhrases
	}
	s.goodbyeDelay = sec.Key("goodbye_delay").MustDuration(defaults.GoodbyeDelay)
	s.inboundWatermark = sec.Key("inbound_watermark").MustInt(defaults.InboundWatermark)
	s.backlogRetry = sec.Key("backlog_retry").MustDuration(defaults.BacklogRetry)
	s.startTimeout = sec.Key("start_timeout").MustDuration(defaults.StartTimeout)
	s.shutdownTimeout = sec.Key("shutdown_timeout").MustDuration(defaults.ShutdownTimeout)
	s.callControlTimeout = sec.Key("call_control_timeout").MustDuration(defaults.CallControlTimeout)
	s.idleTimeout = sec.Key("idle_timeout").MustDuration(0)
	s.sendMarks = sec.Key("send_marks").MustBool(false)

	sec = cfg.Section("database")
	s.databaseDSN = envOr(sec.Key("dsn").String(), "CALLBRIDGE_DATABASE_DSN")
	s.databaseMigrate = sec.Key("migrate").MustBool(false)

	if s.twilioAccountSID == "" || s.twilioAuthToken == "" {
		return nil, fmt.Errorf("twilio account_sid and auth_token must be set")
	}
	if s.elevenLabsAgentID == "" {
		return nil, fmt.Errorf("elevenlabs agent_id must be set")
	}
	if s.elevenLabsRequireAuth && s.elevenLabsAPIKey == "" {
		return nil, fmt.Errorf("elevenlabs api_key must be set when require_auth is on")
	}
	if s.inboundWatermark <= 0 {
		return nil, fmt.Errorf("bridge inbound_watermark must be positive")
	}
	if s.goodbyeDelay < 0 {
		return nil, fmt.Errorf("bridge goodbye_delay must not be negative")
	}

	return s, nil
}

func envOr(v, name string) string {
	if v != "" {
		return v
	}
	return os.Getenv(name)
}

// File returns the underlying ini file.
func (s *Settings) File() *ini.File { return s.file }

func (s *Settings) ListenAddress() string { return s.listenAddress }
func (s *Settings) PublicHost() string    { return s.publicHost }

func (s *Settings) TwilioAccountSID() string { return s.twilioAccountSID }
func (s *Settings) TwilioAuthToken() string  { return s.twilioAuthToken }
func (s *Settings) TwilioBaseURL() string    { return s.twilioBaseURL }
func (s *Settings) HangupMachines() bool     { return s.hangupMachines }

func (s *Settings) ElevenLabsAPIKey() string     { return s.elevenLabsAPIKey }
func (s *Settings) ElevenLabsAgentID() string    { return s.elevenLabsAgentID }
func (s *Settings) ElevenLabsRequireAuth() bool  { return s.elevenLabsRequireAuth }
func (s *Settings) ElevenLabsWSBaseURL() string  { return s.elevenLabsWSBaseURL }
func (s *Settings) ElevenLabsAPIBaseURL() string { return s.elevenLabsAPIBaseURL }
func (s *Settings) ElevenLabsInputQueue() int    { return s.elevenLabsInputQueue }

func (s *Settings) DatabaseDSN() string   { return s.databaseDSN }
func (s *Settings) DatabaseMigrate() bool { return s.databaseMigrate }

// Bridge returns the per-session configuration.
func (s *Settings) Bridge() bridge.Config {
	return bridge.Config{
		GoodbyePhrases:     append([]string(nil), s.goodbyePhrases...),
		GoodbyeDelay:       s.goodbyeDelay,
		InboundWatermark:   s.inboundWatermark,
		BacklogRetry:       s.backlogRetry,
		StartTimeout:       s.startTimeout,
		ShutdownTimeout:    s.shutdownTimeout,
		CallControlTimeout: s.callControlTimeout,
		IdleTimeout:        s.idleTimeout,
		SendMarks:          s.sendMarks,
	}
}
