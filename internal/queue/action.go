package queue

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// Type identifies the kind of mutation a pending action performs
type Type string

const (
	// TypeLocationUpdate reports the rider's position
	TypeLocationUpdate Type = "location_update"
	// TypeJobStatus changes the status of a job
	TypeJobStatus Type = "job_status"
	// TypeQRScan submits a sample QR scan for a job
	TypeQRScan Type = "qr_scan"
	// TypePhotoUpload attaches a photo to a job
	TypePhotoUpload Type = "photo_upload"
	// TypeAvailabilityUpdate toggles whether the rider accepts jobs
	TypeAvailabilityUpdate Type = "availability_update"
)

// Types lists every known action type in declaration order
var Types = []Type{
	TypeLocationUpdate,
	TypeJobStatus,
	TypeQRScan,
	TypePhotoUpload,
	TypeAvailabilityUpdate,
}

// Valid reports whether t is a known action type
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Method is the HTTP method an action is replayed with
type Method string

// Supported methods
const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// ParseMethod normalizes m, defaulting to POST for anything unknown
func ParseMethod(m string) Method {
	switch Method(strings.ToUpper(strings.TrimSpace(m))) {
	case MethodGet:
		return MethodGet
	case MethodPut:
		return MethodPut
	case MethodDelete:
		return MethodDelete
	default:
		return MethodPost
	}
}

// DefaultMaxRetries applies when an input does not set MaxRetries
const DefaultMaxRetries = 3

// PendingAction is a queued mutation awaiting network execution.
//
// RetryCount never exceeds MaxRetries while the action is in the queue. The
// sync engine removes it once a failure would push it to the bound.
type PendingAction struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	Endpoint   string          `json:"endpoint"`
	Method     Method          `json:"method"`
}

// Input describes an action to enqueue. Payload is marshaled to JSON.
type Input struct {
	Type       Type   `json:"type"`
	Payload    any    `json:"payload"`
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
	MaxRetries int    `json:"maxRetries,omitempty"`
}

// LocationUpdateInput builds the input for a rider location report
func LocationUpdateInput(p LocationUpdate) Input {
	return Input{
		Type:       TypeLocationUpdate,
		Payload:    p,
		Endpoint:   "/riders/location",
		Method:     string(MethodPost),
		MaxRetries: 3,
	}
}

// JobStatusInput builds the input for a job status change
func JobStatusInput(p JobStatusUpdate) Input {
	return Input{
		Type:       TypeJobStatus,
		Payload:    p,
		Endpoint:   jobEndpoint(p.JobID, "status"),
		Method:     string(MethodPut),
		MaxRetries: 5,
	}
}

// QRScanInput builds the input for a sample scan
func QRScanInput(p QRScan) Input {
	return Input{
		Type:       TypeQRScan,
		Payload:    p,
		Endpoint:   jobEndpoint(p.JobID, "scans"),
		Method:     string(MethodPost),
		MaxRetries: 5,
	}
}

// PhotoUploadInput builds the input for a job photo
func PhotoUploadInput(p PhotoUpload) Input {
	return Input{
		Type:       TypePhotoUpload,
		Payload:    p,
		Endpoint:   jobEndpoint(p.JobID, "photos"),
		Method:     string(MethodPost),
		MaxRetries: 3,
	}
}

// AvailabilityInput builds the input for an availability toggle
func AvailabilityInput(p AvailabilityUpdate) Input {
	return Input{
		Type:       TypeAvailabilityUpdate,
		Payload:    p,
		Endpoint:   "/riders/availability",
		Method:     string(MethodPut),
		MaxRetries: 3,
	}
}

func jobEndpoint(jobID, resource string) string {
	return "/jobs/" + url.PathEscape(jobID) + "/" + resource
}
