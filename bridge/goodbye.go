package bridge

import (
	"strings"
	"sync"
	"time"
)

// Defaults for the goodbye monitor.
var (
	DefaultGoodbyePhrases = []string{"goodbye", "have a great day"}
	DefaultGoodbyeDelay   = 8 * time.Second
)

// GoodbyeMonitor watches completed agent utterances for a closing phrase and
// calls onTrigger once, after a grace delay that lets the closing remark
// finish playing.
type GoodbyeMonitor struct {
	phrases   []string
	delay     time.Duration
	onTrigger func()

	mu       sync.Mutex
	matched  bool
	canceled bool
	timer    *time.Timer
}

// NewGoodbyeMonitor returns a monitor for phrases, matched case-insensitively.
// Empty phrases are ignored.
func NewGoodbyeMonitor(phrases []string, delay time.Duration, onTrigger func()) *GoodbyeMonitor {
	m := &GoodbyeMonitor{delay: delay, onTrigger: onTrigger}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			m.phrases = append(m.phrases, p)
		}
	}
	return m
}

// Matches reports whether text contains one of the phrases.
func (m *GoodbyeMonitor) Matches(text string) bool {
	text = strings.ToLower(text)
	for _, p := range m.phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// OnAgentUtterance checks one completed agent utterance. It returns true
// only for the match that scheduled termination.
func (m *GoodbyeMonitor) OnAgentUtterance(text string) bool {
	if !m.Matches(text) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.matched || m.canceled {
		return false
	}
	m.matched = true
	m.timer = time.AfterFunc(m.delay, m.fire)
	return true
}

func (m *GoodbyeMonitor) fire() {
	m.mu.Lock()
	canceled := m.canceled
	m.mu.Unlock()
	if canceled || m.onTrigger == nil {
		return
	}
	m.onTrigger()
}

// Matched reports whether a phrase has been matched.
func (m *GoodbyeMonitor) Matched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matched
}

// Cancel stops a pending trigger and disables further matches. It reports
// whether a pending trigger was stopped.
func (m *GoodbyeMonitor) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = true
	if m.timer != nil {
		return m.timer.Stop()
	}
	return false
}
