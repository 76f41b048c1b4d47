package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownActionType is returned by Decode for a type this build does not know
var ErrUnknownActionType = errors.New("unknown action type")

// Action is the typed payload of a pending action. The set of implementations
// is closed: LocationUpdate, JobStatusUpdate, QRScan, PhotoUpload and
// AvailabilityUpdate.
type Action interface {
	// ActionType returns the queue type the payload is stored under
	ActionType() Type

	sealed()
}

// LocationUpdate is the payload of a location_update action
type LocationUpdate struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
}

// JobStatusUpdate is the payload of a job_status action
type JobStatusUpdate struct {
	JobID  string   `json:"jobId"`
	Status string   `json:"status"`
	Notes  string   `json:"notes,omitempty"`
	Lat    *float64 `json:"lat,omitempty"`
	Lng    *float64 `json:"lng,omitempty"`
}

// QRScan is the payload of a qr_scan action
type QRScan struct {
	JobID    string   `json:"jobId"`
	QRCode   string   `json:"qrCode"`
	ScanType string   `json:"scanType"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
}

// PhotoUpload is the payload of a photo_upload action
type PhotoUpload struct {
	JobID     string `json:"jobId"`
	PhotoURI  string `json:"photoUri"`
	PhotoType string `json:"photoType"`
	Caption   string `json:"caption,omitempty"`
}

// AvailabilityUpdate is the payload of an availability_update action
type AvailabilityUpdate struct {
	IsAvailable bool `json:"isAvailable"`
}

func (LocationUpdate) ActionType() Type     { return TypeLocationUpdate }
func (JobStatusUpdate) ActionType() Type    { return TypeJobStatus }
func (QRScan) ActionType() Type             { return TypeQRScan }
func (PhotoUpload) ActionType() Type        { return TypePhotoUpload }
func (AvailabilityUpdate) ActionType() Type { return TypeAvailabilityUpdate }

func (LocationUpdate) sealed()     {}
func (JobStatusUpdate) sealed()    {}
func (QRScan) sealed()             {}
func (PhotoUpload) sealed()        {}
func (AvailabilityUpdate) sealed() {}

// Decode returns the typed payload of a stored action
func Decode(a PendingAction) (Action, error) {
	switch a.Type {
	case TypeLocationUpdate:
		return decodeAs[LocationUpdate](a)
	case TypeJobStatus:
		return decodeAs[JobStatusUpdate](a)
	case TypeQRScan:
		return decodeAs[QRScan](a)
	case TypePhotoUpload:
		return decodeAs[PhotoUpload](a)
	case TypeAvailabilityUpdate:
		return decodeAs[AvailabilityUpdate](a)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
	}
}

func decodeAs[T Action](a PendingAction) (Action, error) {
	var v T
	if len(a.Payload) == 0 {
		return nil, fmt.Errorf("action %s has no payload", a.ID)
	}
	if err := json.Unmarshal(a.Payload, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload of action %s: %w", a.Type, a.ID, err)
	}
	return v, nil
}

// ErrInvalidPayload is returned by TypedInput for a payload missing required fields
var ErrInvalidPayload = errors.New("invalid action payload")

// TypedInput decodes payload as the variant for t and returns the input its
// typed constructor builds, with the fixed endpoint, method and retry bound.
func TypedInput(t Type, payload json.RawMessage) (Input, error) {
	action, err := Decode(PendingAction{ID: "new", Type: t, Payload: payload})
	if err != nil {
		return Input{}, err
	}

	switch p := action.(type) {
	case LocationUpdate:
		return LocationUpdateInput(p), nil
	case JobStatusUpdate:
		if p.JobID == "" || p.Status == "" {
			return Input{}, fmt.Errorf("%w: jobId and status are required", ErrInvalidPayload)
		}
		return JobStatusInput(p), nil
	case QRScan:
		if p.JobID == "" || p.QRCode == "" {
			return Input{}, fmt.Errorf("%w: jobId and qrCode are required", ErrInvalidPayload)
		}
		return QRScanInput(p), nil
	case PhotoUpload:
		if p.JobID == "" || p.PhotoURI == "" {
			return Input{}, fmt.Errorf("%w: jobId and photoUri are required", ErrInvalidPayload)
		}
		return PhotoUploadInput(p), nil
	case AvailabilityUpdate:
		return AvailabilityInput(p), nil
	}
	return Input{}, fmt.Errorf("%w: %q", ErrUnknownActionType, t)
}
