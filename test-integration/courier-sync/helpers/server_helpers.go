package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/onsi/gomega"

	courierapp "github.com/stacklok/courier-sync/internal/app"
	"github.com/stacklok/courier-sync/internal/config"
	"github.com/stacklok/courier-sync/internal/offline"
)

// ServerTestHelper manages the courier-sync lifecycle for testing
type ServerTestHelper struct {
	ctx        context.Context
	configPath string
	baseURL    string
	httpClient *http.Client
	app        *courierapp.CourierApp
	served     chan error
}

// NewServerTestHelper creates a new server test helper
func NewServerTestHelper(ctx context.Context, configPath string) *ServerTestHelper {
	return &ServerTestHelper{
		ctx:        ctx,
		configPath: configPath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// StartServer builds the app from the config file and serves it on a free port
func (s *ServerTestHelper) StartServer() error {
	cfg, err := config.LoadConfig(config.WithConfigPath(s.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := courierapp.NewCourierApp(s.ctx, courierapp.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.app = app
	s.baseURL = "http://" + listener.Addr().String()
	s.served = make(chan error, 1)

	go func() {
		if err := app.Serve(s.ctx, listener); err != nil {
			fmt.Fprintf(os.Stderr, "Server start failed: %v\n", err)
			s.served <- err
		}
		close(s.served)
	}()

	return nil
}

// StopServer gracefully stops courier-sync
func (s *ServerTestHelper) StopServer() error {
	if s.app == nil {
		return nil
	}
	err := s.app.Stop(5 * time.Second)
	<-s.served
	s.app = nil
	return err
}

// WaitForServerReady waits for the server to be ready to accept requests
func (s *ServerTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := s.httpClient.Get(s.baseURL + "/health")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 50*time.Millisecond).Should(gomega.Succeed(), "Server should be ready")
}

// Do sends a JSON request to the local API and returns the status and body
func (s *ServerTestHelper) Do(method, path string, body any) (int, []byte, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(s.ctx, method, s.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, buf.Bytes(), nil
}

// SetConnectivity reports the device signal through the local API
func (s *ServerTestHelper) SetConnectivity(online bool) {
	status, body, err := s.Do(http.MethodPut, "/connectivity", map[string]bool{"online": online})
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	gomega.Expect(status).To(gomega.Equal(http.StatusOK), string(body))
}

// QueueAction posts a typed action to the local API
func (s *ServerTestHelper) QueueAction(actionType string, payload any) {
	status, body, err := s.Do(http.MethodPost, "/actions/"+actionType, payload)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	gomega.Expect(status).To(gomega.Equal(http.StatusAccepted), string(body))
}

// GetState returns the engine state from the local API
func (s *ServerTestHelper) GetState() offline.State {
	status, body, err := s.Do(http.MethodGet, "/state", nil)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	gomega.Expect(status).To(gomega.Equal(http.StatusOK))

	var state offline.State
	gomega.Expect(json.Unmarshal(body, &state)).To(gomega.Succeed())
	return state
}

// WaitForPending waits until the pending action count equals n
func (s *ServerTestHelper) WaitForPending(n int, timeout time.Duration) {
	gomega.Eventually(func() int {
		return s.GetState().PendingActionsCount
	}, timeout, 50*time.Millisecond).Should(gomega.Equal(n))
}

// WriteConfigYAML writes a configuration for a manual-connectivity engine
// whose store lives in dataDir
func WriteConfigYAML(dir, dataDir, storageType, backendURL string, maxRetries map[string]int) string {
	content := fmt.Sprintf(`dataDir: %s

storage:
  type: %s

backend:
  baseURL: %s
  timeout: 2s

connectivity:
  provider: manual

sync:
  interval: 1h
`, dataDir, storageType, backendURL)

	if len(maxRetries) > 0 {
		content += "\nactions:\n"
		for name, n := range maxRetries {
			content += fmt.Sprintf("  %s:\n    maxRetries: %d\n", name, n)
		}
	}

	path := filepath.Join(dir, "config.yaml")
	gomega.Expect(os.WriteFile(path, []byte(content), 0600)).To(gomega.Succeed())
	return path
}
