// Package connectivity reports whether the device can reach the backend.
//
// A Provider is the raw source of readings: the device signal pushed by an
// embedding shell, or an HTTP reachability probe. A Monitor sits on top of a
// provider and turns its readings into transitions.
package connectivity

import (
	"context"
	"sync"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go Provider

// Provider is a push-based connectivity source
type Provider interface {
	// Current returns a single reading
	Current(ctx context.Context) (bool, error)

	// Subscribe calls fn with every reading until the returned function is
	// called or ctx is done. Readings may repeat.
	Subscribe(ctx context.Context, fn func(connected bool)) (unsubscribe func())
}

// ManualProvider is a Provider whose readings are set by the caller
type ManualProvider struct {
	mu        sync.Mutex
	connected bool
	nextID    int
	listeners map[int]func(bool)
}

// NewManualProvider creates a ManualProvider with an initial reading
func NewManualProvider(connected bool) *ManualProvider {
	return &ManualProvider{
		connected: connected,
		listeners: make(map[int]func(bool)),
	}
}

// Set records a reading and pushes it to every subscriber
func (p *ManualProvider) Set(connected bool) {
	p.mu.Lock()
	p.connected = connected
	listeners := make([]func(bool), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(connected)
	}
}

// Current returns the last reading passed to Set
func (p *ManualProvider) Current(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected, nil
}

// Subscribe registers fn for subsequent calls to Set
func (p *ManualProvider) Subscribe(ctx context.Context, fn func(bool)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return unsubscribe
}
