package app

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/courier-sync/internal/cache"
	"github.com/stacklok/courier-sync/internal/queue"
	"github.com/stacklok/courier-sync/internal/versions"
)

func TestRenderActions(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := renderActions(&buf, []queue.PendingAction{
		{
			ID:         "1740821400000-abc123def",
			Type:       queue.TypeQRScan,
			Endpoint:   "/jobs/J1/scan",
			Method:     queue.MethodPost,
			RetryCount: 1,
			MaxRetries: 5,
			CreatedAt:  created,
		},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "1740821400000-abc123def")
	assert.Contains(t, out, "qr_scan")
	assert.Contains(t, out, "/jobs/J1/scan")
	assert.Contains(t, out, "1/5")
	assert.Contains(t, out, "2026-03-01T09:30:00Z")
}

func TestRenderCacheEntries(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := renderCacheEntries(&buf, []cache.Entry{
		{
			Key:       "jobs",
			Data:      json.RawMessage(`[{"id":"J1"}]`),
			CreatedAt: now,
			ExpiresAt: now.Add(30 * time.Minute),
		},
	}, now)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "jobs")
	assert.Contains(t, out, "30m0s")
}

func TestVersionCommand_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	require.NoError(t, versionCmd.Flags().Set("format", "json"))
	require.NoError(t, versionCmd.RunE(versionCmd, nil))

	var info versions.VersionInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, versions.GetVersionInfo().Version, info.Version)
}
