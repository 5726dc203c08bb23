package radio

import (
	"sync"

	"github.com/tandemloop/blelink/logger"
)

// Monitor holds the current radio state and a single-slot queue of one
// pending operation. A request issued while the radio is not powered on
// is stored (overwriting any previous request) and replayed exactly once
// the instant the state becomes PoweredOn; it is never silently dropped.
type Monitor struct {
	mu      sync.Mutex
	state   State
	pending func()
	onLost  func()
	prefix  string
}

// NewMonitor creates a monitor starting in StateUnknown.
func NewMonitor(prefix string) *Monitor {
	return &Monitor{prefix: prefix}
}

// State returns the current radio state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnRadioLost registers the hook invoked when the radio leaves PoweredOn.
// Connection managers use it to tear down advertising/scanning and fail
// all live peers.
func (m *Monitor) OnRadioLost(hook func()) {
	m.mu.Lock()
	m.onLost = hook
	m.mu.Unlock()
}

// SetState applies a platform-pushed state transition. Entering PoweredOn
// replays the pending operation, if any; leaving PoweredOn fires the
// radio-lost hook.
func (m *Monitor) SetState(s State) {
	m.mu.Lock()
	prev := m.state
	if s == prev {
		m.mu.Unlock()
		return
	}
	m.state = s

	var run func()
	var lost func()
	if s == StatePoweredOn && m.pending != nil {
		run = m.pending
		m.pending = nil
	}
	if prev == StatePoweredOn && s != StatePoweredOn {
		lost = m.onLost
	}
	m.mu.Unlock()

	logger.Debug(m.prefix, "Radio state %s -> %s", prev, s)

	if run != nil {
		logger.Info(m.prefix, "Radio ready, replaying pending operation")
		run()
	}
	if lost != nil {
		logger.Warn(m.prefix, "Radio lost (%s)", s)
		lost()
	}
}

// RequestWhenReady executes op immediately if the radio is powered on,
// otherwise stores it in the single pending slot. A second request while
// waiting overwrites the first: only the latest intent is replayed.
func (m *Monitor) RequestWhenReady(op func()) {
	m.mu.Lock()
	if m.state != StatePoweredOn {
		if m.pending != nil {
			logger.Debug(m.prefix, "Replacing pending radio operation")
		}
		m.pending = op
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	op()
}

// ClearPending drops any queued operation. Used when the caller cancels
// the intent (stop advertising / stop scanning) before the radio came up.
func (m *Monitor) ClearPending() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
}

// HasPending reports whether an operation is waiting for the radio.
func (m *Monitor) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}
