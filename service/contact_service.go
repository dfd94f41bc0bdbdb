package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence"
	"go.uber.org/zap"
)

type ContactService struct {
	flows    persistence.FlowStore
	contacts persistence.ContactStore
	errors   *ErrorService
	now      func() time.Time
}

func NewContactService(flows persistence.FlowStore, contacts persistence.ContactStore, errorService *ErrorService, now func() time.Time) *ContactService {
	if now == nil {
		now = time.Now
	}
	return &ContactService{
		flows:    flows,
		contacts: contacts,
		errors:   errorService,
		now:      now,
	}
}

// NewEnrollment builds a contact positioned on the first step of fl, due now.
// Contacts of an inactive flow start paused and are resumed by ActivateFlow.
func NewEnrollment(fl *flow.Flow, req model.ContactRequest, now time.Time, source string) (*model.Contact, error) {
	first, ok := fl.FirstStep()
	if !ok {
		return nil, &flow.ValidationError{Errors: []flow.FieldError{{Field: "flow", Msg: "flow has no steps"}}}
	}
	owner := req.Owner
	if len(owner) == 0 {
		owner = fl.Owner
	}
	tags := append([]string{}, req.Tags...)
	metadata := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	next := now
	status := model.CONTACT_ACTIVE
	if !fl.IsActive {
		status = model.CONTACT_PAUSED
	}
	return &model.Contact{
		Id:                 uuid.New().String(),
		Owner:              owner,
		FlowId:             fl.Id,
		Email:              strings.TrimSpace(req.Email),
		FirstName:          req.FirstName,
		LastName:           req.LastName,
		Status:             status,
		CurrentStepId:      first.GetId(),
		CurrentStep:        first.GetOrder(),
		FlowPath:           []model.FlowPathEntry{{StepId: first.GetId(), Timestamp: now, Action: "enrolled", Result: source}},
		NextProcessingDate: &next,
		Tags:               tags,
		Metadata:           metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func validateContactRequest(req model.ContactRequest) error {
	var errs []flow.FieldError
	if len(strings.TrimSpace(req.Email)) == 0 {
		errs = append(errs, flow.FieldError{Field: "email", Msg: "email is required"})
	} else if _, err := mail.ParseAddress(req.Email); err != nil {
		errs = append(errs, flow.FieldError{Field: "email", Msg: "email is not a valid address"})
	}
	for k := range req.Metadata {
		if !model.IsPathSafeKey(k) {
			errs = append(errs, flow.FieldError{Field: "metadata." + k, Msg: "key must not be empty or contain '.' or '$'"})
		}
	}
	if len(errs) > 0 {
		return &flow.ValidationError{Errors: errs}
	}
	return nil
}

// Enroll adds a contact to the flow. Enrolling the same email twice returns the
// existing contact with created=false.
func (s *ContactService) Enroll(ctx context.Context, flowId string, req model.ContactRequest) (*model.Contact, bool, error) {
	if err := validateContactRequest(req); err != nil {
		return nil, false, err
	}
	def, err := s.flows.GetFlow(ctx, flowId)
	if err != nil {
		return nil, false, err
	}
	existing, err := s.contacts.FindContact(ctx, flowId, req.Email)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, persistence.ErrContactNotFound) {
		return nil, false, err
	}
	contact, err := NewEnrollment(flow.Convert(def), req, s.now(), "api")
	if err != nil {
		return nil, false, err
	}
	if err := s.contacts.CreateContact(ctx, contact); err != nil {
		if errors.Is(err, persistence.ErrDuplicateContact) {
			existing, ferr := s.contacts.FindContact(ctx, flowId, req.Email)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	if err := s.flows.IncrementFlowStats(ctx, flowId, model.FlowStatsDelta{Triggered: 1, Active: 1}); err != nil {
		logger.Warn("flow stats not updated on enroll", zap.String("flowId", flowId), zap.Error(err))
	}
	logger.Info("contact enrolled", zap.String("flowId", flowId), zap.String("contactId", contact.Id))
	return contact, true, nil
}

func (s *ContactService) GetContact(ctx context.Context, contactId string) (*model.Contact, error) {
	return s.contacts.GetContact(ctx, contactId)
}

func (s *ContactService) ListContacts(ctx context.Context, filter model.ContactFilter, limit int) ([]*model.Contact, error) {
	return s.contacts.ListContacts(ctx, filter, limit)
}

// terminate moves a contact into a terminal status and adjusts flow counters.
func (s *ContactService) terminate(ctx context.Context, contact *model.Contact, status model.ContactStatus, entry model.FlowPathEntry) (*model.Contact, error) {
	now := s.now()
	upd := &model.ContactUpdate{}
	upd.SetStatus(status).Unschedule().Append(entry)
	if err := s.contacts.UpdateContact(ctx, contact.Id, upd); err != nil {
		return nil, err
	}
	prev := contact.Status
	upd.Apply(contact, now)
	if len(contact.FlowId) == 0 {
		return contact, nil
	}
	var delta model.FlowStatsDelta
	switch prev {
	case model.CONTACT_ACTIVE:
		delta.Active = -1
	case model.CONTACT_ERROR:
		delta.Failed = -1
	}
	if status == model.CONTACT_BOUNCED {
		delta.Failed++
	}
	if !delta.IsZero() {
		if err := s.flows.IncrementFlowStats(ctx, contact.FlowId, delta); err != nil {
			logger.Warn("flow stats not updated", zap.String("flowId", contact.FlowId), zap.Error(err))
		}
	}
	return contact, nil
}

func (s *ContactService) Unsubscribe(ctx context.Context, contactId string) (*model.Contact, error) {
	contact, err := s.contacts.GetContact(ctx, contactId)
	if err != nil {
		return nil, err
	}
	if contact.Status == model.CONTACT_UNSUBSCRIBED {
		return contact, nil
	}
	contact, err = s.terminate(ctx, contact, model.CONTACT_UNSUBSCRIBED, model.FlowPathEntry{
		StepId:    contact.CurrentStepId,
		Timestamp: s.now(),
		Action:    "unsubscribed",
	})
	if err != nil {
		return nil, err
	}
	logger.Info("contact unsubscribed", zap.String("flowId", contact.FlowId), zap.String("contactId", contactId))
	return contact, nil
}

// MarkBounced handles an asynchronous hard bounce reported by the provider.
func (s *ContactService) MarkBounced(ctx context.Context, contactId string, stepId string, reason string) (*model.Contact, error) {
	contact, err := s.contacts.GetContact(ctx, contactId)
	if err != nil {
		return nil, err
	}
	if contact.Status.IsTerminal() {
		return contact, nil
	}
	now := s.now()
	contact, err = s.terminate(ctx, contact, model.CONTACT_BOUNCED, model.FlowPathEntry{
		StepId:    stepId,
		Timestamp: now,
		Action:    "email_bounced",
		Result:    reason,
	})
	if err != nil {
		return nil, err
	}
	if s.errors != nil && len(contact.FlowId) > 0 {
		rec := NewErrorRecord(now, contact, stepId, model.ERROR_PERMANENT_DELIVERY, reason, nil)
		if err := s.errors.RecordFlowError(ctx, contact.FlowId, rec); err != nil {
			logger.Warn("bounce not recorded on flow", zap.String("flowId", contact.FlowId), zap.Error(err))
		}
	}
	return contact, nil
}

// RecordOpen flags the step's interaction as opened. Only the first open
// counts towards stats.opens.
func (s *ContactService) RecordOpen(ctx context.Context, contactId string, stepId string, at time.Time) (*model.Contact, error) {
	contact, err := s.contacts.GetContact(ctx, contactId)
	if err != nil {
		return nil, err
	}
	in := contact.Interactions[stepId]
	upd := &model.ContactUpdate{}
	if !in.Opened {
		in.Opened = true
		in.OpenedAt = &at
		upd.Stats.Opens = 1
	}
	upd.SetInteraction(stepId, in)
	if err := s.contacts.UpdateContact(ctx, contactId, upd); err != nil {
		return nil, err
	}
	upd.Apply(contact, s.now())
	return contact, nil
}

// RecordClick flags the interaction as clicked and remembers the link. A click
// implies an open.
func (s *ContactService) RecordClick(ctx context.Context, contactId string, stepId string, link string, at time.Time) (*model.Contact, error) {
	contact, err := s.contacts.GetContact(ctx, contactId)
	if err != nil {
		return nil, err
	}
	in := contact.Interactions[stepId]
	upd := &model.ContactUpdate{}
	if !in.Opened {
		in.Opened = true
		in.OpenedAt = &at
		upd.Stats.Opens = 1
	}
	if !in.Clicked {
		in.Clicked = true
		in.ClickedAt = &at
	}
	upd.Stats.Clicks = 1
	if len(link) > 0 {
		in.ClickedLinks = append(append([]string{}, in.ClickedLinks...), link)
	}
	upd.SetInteraction(stepId, in)
	if err := s.contacts.UpdateContact(ctx, contactId, upd); err != nil {
		return nil, err
	}
	upd.Apply(contact, s.now())
	return contact, nil
}
