package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Monitor de-duplicates provider readings and emits transitions only.
// It does not retry or back off on its own.
type Monitor struct {
	provider Provider

	// notifyMu orders deliveries. Taken before mu, never while holding it.
	notifyMu sync.Mutex

	mu        sync.Mutex
	known     bool
	connected bool
	nextID    int
	listeners map[int]func(bool)

	unsubscribe func()
}

// NewMonitor creates a Monitor over provider. Call Start before use.
func NewMonitor(provider Provider) *Monitor {
	return &Monitor{
		provider:  provider,
		listeners: make(map[int]func(bool)),
	}
}

// Start takes the initial reading and subscribes to the provider. The
// initial reading is not emitted as a transition. A failed initial reading
// is treated as offline.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.mu.Unlock()
		return errors.New("connectivity monitor already started")
	}
	m.mu.Unlock()

	connected, err := m.provider.Current(ctx)
	if err != nil {
		slog.Warn("Failed to read initial connectivity, assuming offline", "error", err)
		connected = false
	}

	m.mu.Lock()
	if !m.known {
		m.known = true
		m.connected = connected
	}
	m.mu.Unlock()

	unsubscribe := m.provider.Subscribe(ctx, m.observe)

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	slog.Info("Connectivity monitor started", "connected", connected)
	return nil
}

// Stop unsubscribes from the provider
func (m *Monitor) Stop() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Online returns the last known reading
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe registers fn for every transition. Transitions reach listeners
// one at a time in the order the monitor applied them, so a listener must not
// feed a reading back into the provider synchronously.
func (m *Monitor) Subscribe(fn func(connected bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) observe(connected bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.known && m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.known = true
	m.connected = connected
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	slog.Info("Connectivity changed", "connected", connected)
	for _, fn := range listeners {
		fn(connected)
	}
}
