package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/service"
	"go.uber.org/zap"
)

type EventType string

const EVENT_OPEN EventType = "open"
const EVENT_CLICK EventType = "click"
const EVENT_UNSUBSCRIBE EventType = "unsubscribe"
const EVENT_BOUNCE EventType = "bounce"

// TrackingEvent is published by the tracking pixel, link redirector and
// provider webhooks.
type TrackingEvent struct {
	ContactId string    `json:"contactId" msgpack:"contactId"`
	StepId    string    `json:"stepId,omitempty" msgpack:"stepId,omitempty"`
	Type      EventType `json:"type" msgpack:"type"`
	Url       string    `json:"url,omitempty" msgpack:"url,omitempty"`
	Reason    string    `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// Handler applies tracking events to contacts. It only flips interaction
// flags and terminal statuses; routing stays with the executor.
type Handler struct {
	contacts *service.ContactService
	now      func() time.Time
}

func NewHandler(contacts *service.ContactService, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{contacts: contacts, now: now}
}

func (h *Handler) Apply(ctx context.Context, ev TrackingEvent) error {
	if len(ev.ContactId) == 0 {
		return fmt.Errorf("tracking event %s has no contact id", ev.Type)
	}
	if len(ev.StepId) > 0 && !model.IsPathSafeKey(ev.StepId) {
		return fmt.Errorf("tracking event step id %q must not contain '.' or '$'", ev.StepId)
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = h.now()
	}
	var err error
	switch ev.Type {
	case EVENT_OPEN:
		_, err = h.contacts.RecordOpen(ctx, ev.ContactId, ev.StepId, at)
	case EVENT_CLICK:
		_, err = h.contacts.RecordClick(ctx, ev.ContactId, ev.StepId, ev.Url, at)
	case EVENT_UNSUBSCRIBE:
		_, err = h.contacts.Unsubscribe(ctx, ev.ContactId)
	case EVENT_BOUNCE:
		reason := ev.Reason
		if len(reason) == 0 {
			reason = "bounce reported by provider"
		}
		_, err = h.contacts.MarkBounced(ctx, ev.ContactId, ev.StepId, reason)
	default:
		return fmt.Errorf("unknown tracking event type %q", ev.Type)
	}
	if err != nil {
		return fmt.Errorf("error applying %s event to contact %s: %w", ev.Type, ev.ContactId, err)
	}
	logger.Debug("tracking event applied", zap.String("contactId", ev.ContactId), zap.String("stepId", ev.StepId),
		zap.String("type", string(ev.Type)))
	return nil
}
