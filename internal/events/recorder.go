package events

import (
	"context"

	"github.com/findrhealth/booking-platform/pkg/logging"
)

// Appender is the minimal write surface of the event store.
type Appender interface {
	Append(ctx context.Context, e *Event) error
}

// Recorder writes audit events best-effort: append failures are logged to
// the operational channel and swallowed so they never abort or roll back
// the primary operation they describe.
type Recorder struct {
	store   Appender
	logger  *logging.Logger
	onError func() // optional metrics hook
}

// NewRecorder creates a best-effort recorder.
func NewRecorder(store Appender, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// WithFailureHook registers a callback invoked on each swallowed failure.
func (r *Recorder) WithFailureHook(fn func()) *Recorder {
	r.onError = fn
	return r
}

// Record appends the event, logging and swallowing any failure.
func (r *Recorder) Record(ctx context.Context, e *Event) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.Append(ctx, e); err != nil {
		r.logger.Error("event log append failed",
			"booking_id", e.BookingID,
			"event_type", e.Type,
			"error", err,
		)
		if r.onError != nil {
			r.onError()
		}
	}
}
