package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence"
	"go.uber.org/zap"
)

type FlowInvalidator interface {
	Invalidate(flowId string)
}

type FlowService struct {
	flows    persistence.FlowStore
	contacts persistence.ContactStore
	cache    FlowInvalidator
	now      func() time.Time
}

func NewFlowService(flows persistence.FlowStore, contacts persistence.ContactStore, cache FlowInvalidator, now func() time.Time) *FlowService {
	if now == nil {
		now = time.Now
	}
	return &FlowService{
		flows:    flows,
		contacts: contacts,
		cache:    cache,
		now:      now,
	}
}

func (s *FlowService) invalidate(flowId string) {
	if s.cache != nil {
		s.cache.Invalidate(flowId)
	}
}

func (s *FlowService) CreateFlow(ctx context.Context, req model.FlowRequest) (*model.Flow, error) {
	now := s.now()
	def := &model.Flow{
		Id:        uuid.New().String(),
		Owner:     req.Owner,
		Name:      req.Name,
		IsActive:  req.IsActive,
		Steps:     req.Steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := flow.Validate(def); err != nil {
		return nil, err
	}
	if err := s.flows.CreateFlow(ctx, def); err != nil {
		return nil, err
	}
	logger.Info("flow created", zap.String("flowId", def.Id), zap.String("name", def.Name), zap.Int("steps", len(def.Steps)))
	return def, nil
}

// UpdateFlow replaces the name and steps. Activation goes through ActivateFlow
// and DeactivateFlow so contacts are paused and resumed with it.
func (s *FlowService) UpdateFlow(ctx context.Context, flowId string, req model.FlowRequest) (*model.Flow, error) {
	def, err := s.flows.GetFlow(ctx, flowId)
	if err != nil {
		return nil, err
	}
	def.Name = req.Name
	def.Steps = req.Steps
	def.UpdatedAt = s.now()
	if err := flow.Validate(def); err != nil {
		return nil, err
	}
	if err := s.flows.UpdateFlowDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.invalidate(flowId)
	logger.Info("flow updated", zap.String("flowId", flowId), zap.Int("steps", len(def.Steps)))
	return def, nil
}

func (s *FlowService) GetFlow(ctx context.Context, flowId string) (*model.Flow, error) {
	return s.flows.GetFlow(ctx, flowId)
}

func (s *FlowService) ListFlows(ctx context.Context, owner string) ([]*model.Flow, error) {
	return s.flows.ListFlows(ctx, owner)
}

// DeleteFlow removes the definition and pauses its active contacts so the
// tick never picks up a contact whose flow is gone.
func (s *FlowService) DeleteFlow(ctx context.Context, flowId string) error {
	if _, err := s.flows.GetFlow(ctx, flowId); err != nil {
		return err
	}
	upd := &model.ContactUpdate{}
	upd.SetStatus(model.CONTACT_PAUSED).Unschedule()
	paused, err := s.contacts.UpdateContacts(ctx, model.ContactFilter{FlowId: flowId, Status: model.CONTACT_ACTIVE}, upd)
	if err != nil {
		return err
	}
	if err := s.flows.DeleteFlow(ctx, flowId); err != nil {
		return err
	}
	s.invalidate(flowId)
	logger.Info("flow deleted", zap.String("flowId", flowId), zap.Int64("pausedContacts", paused))
	return nil
}

// ActivateFlow resumes paused contacts; their pending schedule is kept so a
// running delay is not cut short.
func (s *FlowService) ActivateFlow(ctx context.Context, flowId string) (int64, error) {
	if err := s.flows.SetFlowActive(ctx, flowId, true); err != nil {
		return 0, err
	}
	s.invalidate(flowId)
	upd := &model.ContactUpdate{}
	upd.SetStatus(model.CONTACT_ACTIVE)
	resumed, err := s.contacts.UpdateContacts(ctx, model.ContactFilter{FlowId: flowId, Status: model.CONTACT_PAUSED}, upd)
	if err != nil {
		return 0, err
	}
	logger.Info("flow activated", zap.String("flowId", flowId), zap.Int64("resumedContacts", resumed))
	return resumed, nil
}

func (s *FlowService) DeactivateFlow(ctx context.Context, flowId string) (int64, error) {
	if err := s.flows.SetFlowActive(ctx, flowId, false); err != nil {
		return 0, err
	}
	s.invalidate(flowId)
	upd := &model.ContactUpdate{}
	upd.SetStatus(model.CONTACT_PAUSED)
	paused, err := s.contacts.UpdateContacts(ctx, model.ContactFilter{FlowId: flowId, Status: model.CONTACT_ACTIVE}, upd)
	if err != nil {
		return 0, err
	}
	logger.Info("flow deactivated", zap.String("flowId", flowId), zap.Int64("pausedContacts", paused))
	return paused, nil
}
