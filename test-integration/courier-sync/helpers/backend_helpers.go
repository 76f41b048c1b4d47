package helpers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// RecordedRequest is one call received by the fake backend
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	Body          string
}

// FakeBackend records every request and answers with a configurable status
type FakeBackend struct {
	*httptest.Server

	mu       sync.Mutex
	requests []RecordedRequest
	status   int
}

// NewFakeBackend starts a backend that answers 200 until told otherwise
func NewFakeBackend() *FakeBackend {
	b := &FakeBackend{status: http.StatusOK}
	b.Server = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

func (b *FakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	b.requests = append(b.requests, RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		Body:          string(body),
	})
	status := b.status
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{}`))
}

// SetStatus changes the status returned for subsequent requests
func (b *FakeBackend) SetStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// Requests returns a copy of the requests received so far
func (b *FakeBackend) Requests() []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RecordedRequest, len(b.requests))
	copy(out, b.requests)
	return out
}
