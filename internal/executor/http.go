package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/stacklok/courier-sync/internal/httpclient"
	"github.com/stacklok/courier-sync/internal/queue"
)

// NewHTTPExecutors binds every variant to a backend REST call. The request
// path is the stored endpoint with {jobId} expanded from the payload, or the
// variant's default route when the action carries none. The method comes
// from the stored action.
func NewHTTPExecutors(client httpclient.Client, baseURL string) *Set {
	base := strings.TrimRight(baseURL, "/")

	send := func(ctx context.Context, action queue.PendingAction, fallback string, body any) error {
		path := fallback
		if action.Endpoint != "" {
			path = ExpandEndpoint(action.Endpoint, jobIDOf(body))
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		target := base + path
		if _, err := client.Do(ctx, string(action.Method), target, body); err != nil {
			return fmt.Errorf("failed to execute %s action %s: %w", action.Type, action.ID, err)
		}
		slog.Debug("Action executed", "action_id", action.ID, "action_type", action.Type, "url", target)
		return nil
	}

	return &Set{
		LocationUpdate: func(ctx context.Context, a queue.PendingAction, p queue.LocationUpdate) error {
			return send(ctx, a, "/riders/location", p)
		},
		JobStatus: func(ctx context.Context, a queue.PendingAction, p queue.JobStatusUpdate) error {
			return send(ctx, a, jobPath(p.JobID, "status"), p)
		},
		QRScan: func(ctx context.Context, a queue.PendingAction, p queue.QRScan) error {
			return send(ctx, a, jobPath(p.JobID, "scans"), p)
		},
		PhotoUpload: func(ctx context.Context, a queue.PendingAction, p queue.PhotoUpload) error {
			return send(ctx, a, jobPath(p.JobID, "photos"), p)
		},
		AvailabilityUpdate: func(ctx context.Context, a queue.PendingAction, p queue.AvailabilityUpdate) error {
			return send(ctx, a, "/riders/availability", p)
		},
	}
}

// ExpandEndpoint replaces the {jobId} placeholder of an endpoint template
func ExpandEndpoint(template, jobID string) string {
	return strings.ReplaceAll(template, "{jobId}", url.PathEscape(jobID))
}

func jobPath(jobID, resource string) string {
	return ExpandEndpoint("/jobs/{jobId}/"+resource, jobID)
}

func jobIDOf(body any) string {
	switch p := body.(type) {
	case queue.JobStatusUpdate:
		return p.JobID
	case queue.QRScan:
		return p.JobID
	case queue.PhotoUpload:
		return p.JobID
	default:
		return ""
	}
}
