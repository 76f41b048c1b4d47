// Package executor binds each action variant to the function that performs
// its network mutation.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/courier-sync/internal/queue"
)

// ErrNoExecutor is returned when no function is bound to an action's variant
var ErrNoExecutor = errors.New("no executor bound for action type")

// Func performs the mutation for one variant. The stored action record is
// passed along so executors can use its endpoint and method.
type Func[T queue.Action] func(ctx context.Context, action queue.PendingAction, payload T) error

// Set holds one executor per action variant. A nil field means the variant
// cannot be executed and every attempt fails with ErrNoExecutor.
type Set struct {
	LocationUpdate     Func[queue.LocationUpdate]
	JobStatus          Func[queue.JobStatusUpdate]
	QRScan             Func[queue.QRScan]
	PhotoUpload        Func[queue.PhotoUpload]
	AvailabilityUpdate Func[queue.AvailabilityUpdate]
}

// Dispatch decodes action and runs the executor bound to its variant
func (s *Set) Dispatch(ctx context.Context, action queue.PendingAction) error {
	payload, err := queue.Decode(action)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case queue.LocationUpdate:
		return call(ctx, s.LocationUpdate, action, p)
	case queue.JobStatusUpdate:
		return call(ctx, s.JobStatus, action, p)
	case queue.QRScan:
		return call(ctx, s.QRScan, action, p)
	case queue.PhotoUpload:
		return call(ctx, s.PhotoUpload, action, p)
	case queue.AvailabilityUpdate:
		return call(ctx, s.AvailabilityUpdate, action, p)
	default:
		return fmt.Errorf("%w: %s", ErrNoExecutor, action.Type)
	}
}

func call[T queue.Action](ctx context.Context, fn Func[T], action queue.PendingAction, payload T) error {
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNoExecutor, action.Type)
	}
	return fn(ctx, action, payload)
}

// Uniform builds a Set that routes every variant through fn, for callers that
// do not care about the typed payload
func Uniform(fn func(ctx context.Context, action queue.PendingAction) error) *Set {
	return &Set{
		LocationUpdate: func(ctx context.Context, a queue.PendingAction, _ queue.LocationUpdate) error {
			return fn(ctx, a)
		},
		JobStatus: func(ctx context.Context, a queue.PendingAction, _ queue.JobStatusUpdate) error {
			return fn(ctx, a)
		},
		QRScan: func(ctx context.Context, a queue.PendingAction, _ queue.QRScan) error {
			return fn(ctx, a)
		},
		PhotoUpload: func(ctx context.Context, a queue.PendingAction, _ queue.PhotoUpload) error {
			return fn(ctx, a)
		},
		AvailabilityUpdate: func(ctx context.Context, a queue.PendingAction, _ queue.AvailabilityUpdate) error {
			return fn(ctx, a)
		},
	}
}
