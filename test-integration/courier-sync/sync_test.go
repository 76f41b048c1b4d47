package integration

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/courier-sync/internal/offline"
	"github.com/stacklok/courier-sync/test-integration/courier-sync/helpers"
)

var _ = Describe("Offline Replay", Label("sync"), func() {
	var (
		tempDir      string
		backend      *helpers.FakeBackend
		serverHelper *helpers.ServerTestHelper
	)

	startServer := func(storageType string, maxRetries map[string]int) {
		configFile := helpers.WriteConfigYAML(tempDir, filepath.Join(tempDir, "data"), storageType, backend.URL, maxRetries)
		serverHelper = helpers.NewServerTestHelper(ctx, configFile)
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(5 * time.Second)
	}

	BeforeEach(func() {
		tempDir = createTempDir("courier-sync-test-")
		backend = helpers.NewFakeBackend()
	})

	AfterEach(func() {
		if serverHelper != nil {
			_ = serverHelper.StopServer()
		}
		backend.Close()
		cleanupTempDir(tempDir)
	})

	Context("Queueing while offline", func() {
		It("should replay queued actions in order once connectivity returns", func() {
			startServer("file", nil)

			serverHelper.QueueAction("job_status", map[string]string{"jobId": "J1", "status": "picked_up"})
			serverHelper.QueueAction("qr_scan", map[string]string{"jobId": "J1", "qrCode": "QR-1", "scanType": "pickup"})
			serverHelper.WaitForPending(2, 2*time.Second)

			state := serverHelper.GetState()
			Expect(state.IsOnline).To(BeFalse())
			Expect(state.Phase).To(Equal(offline.PhaseOffline))
			Expect(backend.Requests()).To(BeEmpty())

			serverHelper.SetConnectivity(true)
			serverHelper.WaitForPending(0, 5*time.Second)

			requests := backend.Requests()
			Expect(requests).To(HaveLen(2))
			Expect(requests[0].Method).To(Equal(http.MethodPut))
			Expect(requests[0].Path).To(Equal("/jobs/J1/status"))
			Expect(requests[1].Method).To(Equal(http.MethodPost))
			Expect(requests[1].Path).To(Equal("/jobs/J1/scans"))
			Expect(requests[1].Body).To(ContainSubstring(`"qrCode":"QR-1"`))

			state = serverHelper.GetState()
			Expect(state.IsOnline).To(BeTrue())
			Expect(state.LastSyncTime).NotTo(BeNil())
		})

		It("should not sync while offline mode is forced", func() {
			startServer("file", nil)
			serverHelper.SetConnectivity(true)

			status, _, err := serverHelper.Do(http.MethodPut, "/offline-mode", map[string]bool{"enabled": true})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusOK))

			serverHelper.QueueAction("availability_update", map[string]bool{"isAvailable": true})
			Consistently(func() int {
				return len(backend.Requests())
			}, 300*time.Millisecond, 50*time.Millisecond).Should(BeZero())

			status, _, err = serverHelper.Do(http.MethodPut, "/offline-mode", map[string]bool{"enabled": false})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusOK))
			serverHelper.WaitForPending(0, 5*time.Second)
			Expect(backend.Requests()).To(HaveLen(1))
		})
	})

	Context("Backend failures", func() {
		It("should drop an action once its retries are exhausted", func() {
			backend.SetStatus(http.StatusInternalServerError)
			startServer("file", map[string]int{"qr_scan": 2})

			serverHelper.QueueAction("qr_scan", map[string]string{"jobId": "J9", "qrCode": "QR-9"})
			serverHelper.SetConnectivity(true)

			// The reconnect pass fails once and keeps the action
			Eventually(func() int {
				return len(backend.Requests())
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(1))
			serverHelper.WaitForPending(1, 2*time.Second)

			// A pass that overlaps the reconnect pass is skipped, so retry until one runs
			var result struct {
				Skipped   bool `json:"skipped"`
				Dropped   int  `json:"dropped"`
				Remaining int  `json:"remaining"`
			}
			Eventually(func() bool {
				status, body, err := serverHelper.Do(http.MethodPost, "/sync", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(http.StatusOK))
				Expect(json.Unmarshal(body, &result)).To(Succeed())
				return result.Skipped
			}, 2*time.Second, 20*time.Millisecond).Should(BeFalse())

			Expect(result.Dropped).To(Equal(1))
			Expect(result.Remaining).To(BeZero())
			Expect(backend.Requests()).To(HaveLen(2))
		})
	})

	DescribeTable("Persistence across restarts",
		func(storageType string) {
			startServer(storageType, nil)

			serverHelper.QueueAction("photo_upload", map[string]string{"jobId": "J2", "photoUri": "file:///p.jpg", "photoType": "delivery"})
			status, _, err := serverHelper.Do(http.MethodPut, "/cache/jobs", map[string]any{
				"data":       []map[string]string{{"id": "J2"}},
				"ttlMinutes": 30,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusNoContent))

			Expect(serverHelper.StopServer()).To(Succeed())
			startServer(storageType, nil)

			Expect(serverHelper.GetState().PendingActionsCount).To(Equal(1))

			status, body, err := serverHelper.Do(http.MethodGet, "/cache/jobs", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring(`"J2"`))

			serverHelper.SetConnectivity(true)
			serverHelper.WaitForPending(0, 5*time.Second)
			Expect(backend.Requests()).To(HaveLen(1))
			Expect(backend.Requests()[0].Path).To(Equal("/jobs/J2/photos"))
		},
		Entry("file store", "file"),
		Entry("sqlite store", "sqlite"),
	)
})
