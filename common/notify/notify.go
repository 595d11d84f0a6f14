// Package notify tells callers asynchronously that a deferred upload
// finished. Payloads carry only user-safe error details.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/models"
)

// Event types
const (
	EventCompleted = "upload.completed"
	EventFailed    = "upload.failed"
)

// Failure is the user-safe description of why a job failed
type Failure struct {
	Kind    errs.Kind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Event is delivered once per finished job
type Event struct {
	Type    string               `json:"type"`
	JobID   string               `json:"job_id"`
	Subject string               `json:"subject,omitempty"`
	Result  *models.UploadResult `json:"result,omitempty"`
	Failure *Failure             `json:"failure,omitempty"`
	At      time.Time            `json:"at"`
}

// Completed builds the success event for a job
func Completed(job *models.ConversionJob, result *models.UploadResult) Event {
	return Event{Type: EventCompleted, JobID: job.ID, Subject: job.Subject, Result: result, At: time.Now().UTC()}
}

// Failed builds the failure event for a job. Threat details stay out of
// the payload: only the public message and context are copied.
func Failed(job *models.ConversionJob, err error) Event {
	f := &Failure{Kind: errs.KindConversionFault, Code: "internal", Message: "upload could not be processed"}
	if e, ok := errs.As(err); ok {
		f.Kind = e.Kind
		f.Code = e.Code
		f.Message = e.Public()
		f.Context = e.PublicContext()
	}
	return Event{Type: EventFailed, JobID: job.ID, Subject: job.Subject, Failure: f, At: time.Now().UTC()}
}

// Marshal encodes the event as JSON
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Notifier delivers job events
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Func adapts a function to Notifier
type Func func(ctx context.Context, event Event) error

func (f Func) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Noop drops every event
type Noop struct{}

func (Noop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to several notifiers and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errList []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
