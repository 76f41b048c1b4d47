package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"

	"github.com/stacklok/courier-sync/internal/httpclient"
)

const (
	// DefaultProbeInterval is the polling interval while the backend is reachable
	DefaultProbeInterval = 15 * time.Second

	// DefaultProbeMaxBackoff caps the polling interval while it is unreachable
	DefaultProbeMaxBackoff = 2 * time.Minute

	initialProbeBackoff = time.Second
)

// HTTPProbeProvider reports the device as connected when the probe URL
// answers with any HTTP response. Transport failures count as offline.
type HTTPProbeProvider struct {
	client     httpclient.Client
	url        string
	interval   time.Duration
	maxBackoff time.Duration
	clock      clock.Clock

	randomization float64
}

// ProbeOption configures an HTTPProbeProvider
type ProbeOption func(*HTTPProbeProvider)

// WithProbeInterval sets the polling interval while reachable
func WithProbeInterval(d time.Duration) ProbeOption {
	return func(p *HTTPProbeProvider) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithProbeMaxBackoff caps the polling interval while unreachable
func WithProbeMaxBackoff(d time.Duration) ProbeOption {
	return func(p *HTTPProbeProvider) {
		if d > 0 {
			p.maxBackoff = d
		}
	}
}

// WithProbeClock sets the clock driving the polling schedule
func WithProbeClock(c clock.Clock) ProbeOption {
	return func(p *HTTPProbeProvider) {
		p.clock = c
	}
}

// NewHTTPProbeProvider creates a provider probing url with client
func NewHTTPProbeProvider(client httpclient.Client, url string, opts ...ProbeOption) *HTTPProbeProvider {
	p := &HTTPProbeProvider{
		client:        client,
		url:           url,
		interval:      DefaultProbeInterval,
		maxBackoff:    DefaultProbeMaxBackoff,
		clock:         clock.RealClock{},
		randomization: backoff.DefaultRandomizationFactor,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current probes once. It never returns an error.
func (p *HTTPProbeProvider) Current(ctx context.Context) (bool, error) {
	return p.probe(ctx), nil
}

// Subscribe starts a polling loop that reports every probe result
func (p *HTTPProbeProvider) Subscribe(ctx context.Context, fn func(bool)) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		p.poll(ctx, fn)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (p *HTTPProbeProvider) poll(ctx context.Context, fn func(bool)) {
	bo := p.newBackOff()

	for {
		connected := p.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		fn(connected)

		wait := p.interval
		if connected {
			bo.Reset()
		} else {
			wait = bo.NextBackOff()
			slog.Debug("Backend unreachable, backing off", "url", p.url, "wait", wait.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(wait):
		}
	}
}

func (p *HTTPProbeProvider) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialProbeBackoff
	bo.MaxInterval = p.maxBackoff
	bo.RandomizationFactor = p.randomization
	bo.Reset()
	return bo
}

func (p *HTTPProbeProvider) probe(ctx context.Context) bool {
	_, err := p.client.Get(ctx, p.url)
	if err == nil {
		return true
	}
	// The backend answered, even if it did not like the request
	if httpclient.StatusCode(err) != 0 {
		return true
	}
	slog.Debug("Connectivity probe failed", "url", p.url, "error", err)
	return false
}
