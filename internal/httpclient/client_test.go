package httpclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/courier-sync/internal/httpclient"
	"github.com/stacklok/courier-sync/internal/versions"
)

// newTestServer creates a new test server with keep-alives disabled.
// This prevents flaky tests when running in parallel, as closing a server
// with keep-alives enabled can affect other tests sharing the HTTP transport.
func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

func TestDefaultClient_Do_SendsJSON(t *testing.T) {
	t.Parallel()

	var (
		gotMethod, gotPath, gotUA, gotAuth, gotContentType, gotAccept string
		gotBody                                                       map[string]any
	)
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotAccept = r.Header.Get("Accept")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := httpclient.NewDefaultClient(5*time.Second, httpclient.WithBearerToken("tkn"))
	resp, err := client.Do(context.Background(), http.MethodPut, server.URL+"/jobs/j1/status",
		map[string]string{"status": "delivered"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"ok":true}`, string(resp))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/jobs/j1/status", gotPath)
	assert.Equal(t, versions.UserAgent(), gotUA)
	assert.Equal(t, "Bearer tkn", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, map[string]any{"status": "delivered"}, gotBody)
}

func TestDefaultClient_Get_NoBodyNoAuth(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Empty(t, body)
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	resp, err := httpclient.NewDefaultClient(0).Get(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp))
}

func TestDefaultClient_Do_HTTPErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		statusCode     int
		body           string
		wantInMessage  string
		wantStatusCode int
	}{
		{
			name:           "bad request with body",
			statusCode:     http.StatusBadRequest,
			body:           `{"error":"invalid qr code"}`,
			wantInMessage:  "invalid qr code",
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "unauthorized without body",
			statusCode:     http.StatusUnauthorized,
			wantInMessage:  "401 Unauthorized",
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "server error",
			statusCode:     http.StatusServiceUnavailable,
			body:           "maintenance",
			wantInMessage:  "maintenance",
			wantStatusCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := httpclient.NewDefaultClient(time.Second).Do(context.Background(), http.MethodPost, server.URL, struct{}{})
			require.Error(t, err)

			var httpErr *httpclient.HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.wantStatusCode, httpErr.StatusCode)
			assert.Equal(t, http.MethodPost, httpErr.Method)
			assert.Contains(t, httpErr.Message, tt.wantInMessage)
			assert.Equal(t, tt.wantStatusCode, httpclient.StatusCode(err))
		})
	}
}

func TestDefaultClient_Do_NetworkError(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := httpclient.NewDefaultClient(time.Second).Do(context.Background(), http.MethodPost, url, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute request")
	assert.Zero(t, httpclient.StatusCode(err))
}

func TestDefaultClient_Do_ContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := httpclient.NewDefaultClient(5*time.Second).Get(ctx, server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDefaultClient_Do_InvalidInputs(t *testing.T) {
	t.Parallel()

	client := httpclient.NewDefaultClient(time.Second)

	_, err := client.Do(context.Background(), http.MethodPost, "http://localhost", make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to marshal request body")

	_, err = client.Do(context.Background(), "BAD METHOD", "http://localhost", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create request")
}

func TestDefaultClient_Do_SizeLimitExceeded(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Streamed without Content-Length so the limit reader has to catch it
		chunk := strings.Repeat("x", 1024*1024)
		for range 11 {
			_, _ = w.Write([]byte(chunk))
		}
	}))
	defer server.Close()

	_, err := httpclient.NewDefaultClient(10*time.Second).Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum allowed size")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestWithTransport(t *testing.T) {
	t.Parallel()

	var called bool
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("stubbed")),
			Header:     make(http.Header),
			Request:    r,
		}, nil
	})

	resp, err := httpclient.NewDefaultClient(time.Second, httpclient.WithTransport(rt)).
		Get(context.Background(), "http://backend.invalid/ping")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "stubbed", string(resp))
}
