package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence"
	"go.uber.org/zap"
)

var ErrNotInErrorState = errors.New("contact is not in error state")

const defaultErrorListLimit = 100

type ErrorService struct {
	flows    persistence.FlowStore
	contacts persistence.ContactStore
	now      func() time.Time
}

func NewErrorService(flows persistence.FlowStore, contacts persistence.ContactStore, now func() time.Time) *ErrorService {
	if now == nil {
		now = time.Now
	}
	return &ErrorService{
		flows:    flows,
		contacts: contacts,
		now:      now,
	}
}

func NewErrorRecord(now time.Time, contact *model.Contact, stepId string, errType model.ErrorType, message string, extra map[string]any) model.ErrorRecord {
	rec := model.ErrorRecord{
		Id:           uuid.New().String(),
		StepId:       stepId,
		ErrorType:    errType,
		ErrorMessage: message,
		Extra:        extra,
		Timestamp:    now,
	}
	if contact != nil {
		rec.ContactId = contact.Id
		rec.ContactEmail = contact.Email
	}
	return rec
}

// FailureUpdate is the contact half of a logged error: status error, lastError
// set, unscheduled and an error entry in the flow path.
func FailureUpdate(rec model.ErrorRecord) *model.ContactUpdate {
	upd := &model.ContactUpdate{}
	upd.Fail(model.LastError{
		StepId:       rec.StepId,
		ErrorType:    rec.ErrorType,
		ErrorMessage: rec.ErrorMessage,
		Timestamp:    rec.Timestamp,
	})
	upd.Append(model.FlowPathEntry{
		StepId:    rec.StepId,
		Timestamp: rec.Timestamp,
		Action:    "error",
		Result:    rec.ErrorMessage,
	})
	return upd
}

// FailureStats is the flow counter change when a contact in status prev errors.
func FailureStats(prev model.ContactStatus) model.FlowStatsDelta {
	if prev != model.CONTACT_ACTIVE {
		return model.FlowStatsDelta{}
	}
	return model.FlowStatsDelta{Failed: 1, Active: -1}
}

// LogError records the error on the flow and moves the contact into error status.
func (s *ErrorService) LogError(ctx context.Context, flowId string, contactId string, stepId string, errType model.ErrorType, message string, extra map[string]any) (model.ErrorRecord, error) {
	contact, err := s.contacts.GetContact(ctx, contactId)
	if err != nil {
		return model.ErrorRecord{}, err
	}
	rec := NewErrorRecord(s.now(), contact, stepId, errType, message, extra)
	if err := s.RecordFlowError(ctx, flowId, rec); err != nil && !errors.Is(err, persistence.ErrFlowNotFound) {
		return rec, err
	}
	if err := s.contacts.UpdateContact(ctx, contactId, FailureUpdate(rec)); err != nil {
		return rec, err
	}
	if delta := FailureStats(contact.Status); !delta.IsZero() && len(flowId) > 0 {
		if err := s.flows.IncrementFlowStats(ctx, flowId, delta); err != nil && !errors.Is(err, persistence.ErrFlowNotFound) {
			return rec, err
		}
	}
	logger.Error("contact moved to error", zap.String("flowId", flowId), zap.String("contactId", contactId),
		zap.String("stepId", stepId), zap.String("errorType", string(errType)), zap.String("error", message))
	return rec, nil
}

// RecordFlowError appends rec to the flow's error log without touching the contact.
func (s *ErrorService) RecordFlowError(ctx context.Context, flowId string, rec model.ErrorRecord) error {
	if len(flowId) == 0 {
		return persistence.ErrFlowNotFound
	}
	if len(rec.Id) == 0 {
		rec.Id = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if err := s.flows.AppendFlowError(ctx, flowId, rec); err != nil {
		return err
	}
	logger.Warn("flow error recorded", zap.String("flowId", flowId), zap.String("contactId", rec.ContactId),
		zap.String("stepId", rec.StepId), zap.String("errorType", string(rec.ErrorType)))
	return nil
}

func (s *ErrorService) retryUpdate(now time.Time, first positionedStep) *model.ContactUpdate {
	upd := &model.ContactUpdate{ClearLastError: true}
	upd.SetStatus(model.CONTACT_ACTIVE).ScheduleAt(now)
	entry := model.FlowPathEntry{Timestamp: now, Action: "retry"}
	if first != nil {
		upd.MoveTo(first.GetId(), first.GetOrder())
		entry.StepId = first.GetId()
	}
	return upd.Append(entry)
}

// positionedStep is the subset of a step needed to reset a contact onto it.
type positionedStep interface {
	GetId() string
	GetOrder() int
}

func (s *ErrorService) firstStep(ctx context.Context, flowId string) (positionedStep, error) {
	def, err := s.flows.GetFlow(ctx, flowId)
	if err != nil {
		return nil, err
	}
	first, ok := flow.Convert(def).FirstStep()
	if !ok {
		return nil, nil
	}
	return first, nil
}

// RetryContact puts one errored contact back in the active set, due now.
func (s *ErrorService) RetryContact(ctx context.Context, flowId string, contactId string) (*model.Contact, error) {
	contact, err := s.contacts.GetContact(ctx, contactId)
	if err != nil {
		return nil, err
	}
	if contact.FlowId != flowId {
		return nil, persistence.ErrContactNotFound
	}
	if contact.Status != model.CONTACT_ERROR {
		return nil, fmt.Errorf("%w: contact %s is %s", ErrNotInErrorState, contactId, contact.Status)
	}
	var first positionedStep
	if len(contact.CurrentStepId) == 0 {
		first, err = s.firstStep(ctx, flowId)
		if err != nil {
			return nil, err
		}
		if first == nil {
			return nil, fmt.Errorf("flow %s has no steps to retry from", flowId)
		}
	}
	now := s.now()
	upd := s.retryUpdate(now, first)
	if err := s.contacts.UpdateContact(ctx, contactId, upd); err != nil {
		return nil, err
	}
	if err := s.flows.IncrementFlowStats(ctx, flowId, model.FlowStatsDelta{Active: 1, Failed: -1}); err != nil {
		logger.Warn("flow stats not updated on retry", zap.String("flowId", flowId), zap.Error(err))
	}
	upd.Apply(contact, now)
	logger.Info("contact retried", zap.String("flowId", flowId), zap.String("contactId", contactId))
	return contact, nil
}

// RetryAllContacts resets every errored contact of the flow with update-many.
func (s *ErrorService) RetryAllContacts(ctx context.Context, flowId string) (model.RetryResult, error) {
	first, err := s.firstStep(ctx, flowId)
	if err != nil {
		return model.RetryResult{}, err
	}
	attempted, err := s.contacts.CountContacts(ctx, model.ContactFilter{FlowId: flowId, Status: model.CONTACT_ERROR})
	if err != nil {
		return model.RetryResult{}, err
	}
	res := model.RetryResult{Attempted: attempted}
	if attempted == 0 {
		return res, nil
	}
	now := s.now()
	withStep := false
	positioned, err := s.contacts.UpdateContacts(ctx,
		model.ContactFilter{FlowId: flowId, Status: model.CONTACT_ERROR, MissingCurrentStep: &withStep},
		s.retryUpdate(now, nil))
	if err != nil {
		return res, err
	}
	res.Reset += positioned
	if first != nil {
		missing := true
		reset, err := s.contacts.UpdateContacts(ctx,
			model.ContactFilter{FlowId: flowId, Status: model.CONTACT_ERROR, MissingCurrentStep: &missing},
			s.retryUpdate(now, first))
		if err != nil {
			return res, err
		}
		res.Reset += reset
	}
	if res.Reset > 0 {
		if err := s.flows.IncrementFlowStats(ctx, flowId, model.FlowStatsDelta{Active: res.Reset, Failed: -res.Reset}); err != nil {
			logger.Warn("flow stats not updated on retry", zap.String("flowId", flowId), zap.Error(err))
		}
	}
	logger.Info("errored contacts retried", zap.String("flowId", flowId),
		zap.Int64("attempted", res.Attempted), zap.Int64("reset", res.Reset))
	return res, nil
}

// ListErrors returns the flow's error records newest first.
func (s *ErrorService) ListErrors(ctx context.Context, flowId string, filter model.ErrorFilter) ([]model.ErrorRecord, error) {
	def, err := s.flows.GetFlow(ctx, flowId)
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultErrorListLimit
	}
	out := make([]model.ErrorRecord, 0)
	for _, rec := range def.Errors {
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ErrorService) ErrorSummary(ctx context.Context, flowId string) (model.ErrorSummary, error) {
	def, err := s.flows.GetFlow(ctx, flowId)
	if err != nil {
		return model.ErrorSummary{}, err
	}
	errored, err := s.contacts.CountContacts(ctx, model.ContactFilter{FlowId: flowId, Status: model.CONTACT_ERROR})
	if err != nil {
		return model.ErrorSummary{}, err
	}
	summary := model.ErrorSummary{
		FlowId:          flowId,
		TotalErrors:     def.ErrorStats.TotalErrors,
		ByStep:          def.ErrorStats.ByStep,
		ByType:          def.ErrorStats.ByType,
		ErroredContacts: int(errored),
	}
	if summary.ByStep == nil {
		summary.ByStep = map[string]int64{}
	}
	if summary.ByType == nil {
		summary.ByType = map[string]int64{}
	}
	for _, rec := range def.Errors {
		if summary.LastErrorAt == nil || rec.Timestamp.After(*summary.LastErrorAt) {
			ts := rec.Timestamp
			summary.LastErrorAt = &ts
		}
	}
	return summary, nil
}

func (s *ErrorService) ErroredContacts(ctx context.Context, flowId string, limit int) ([]*model.Contact, error) {
	if _, err := s.flows.GetFlow(ctx, flowId); err != nil {
		return nil, err
	}
	return s.contacts.ListContacts(ctx, model.ContactFilter{FlowId: flowId, Status: model.CONTACT_ERROR}, limit)
}
