package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"go.uber.org/zap"
)

// NeedsMigration reports whether c still tracks its position by order only
// while its flow has moved to id based routing.
func NeedsMigration(fl *flow.Flow, c *model.Contact) bool {
	return fl.IdBased && len(c.CurrentStepId) == 0
}

// Migrate maps the contact's legacy order onto a step id. A contact that
// already has a step id is left alone.
func (e *StepExecutor) Migrate(ctx context.Context, fl *flow.Flow, c *model.Contact) (bool, error) {
	if !NeedsMigration(fl, c) {
		return false, nil
	}
	if err := migrate(ctx, e.writer, fl, c, e.now()); err != nil {
		return false, err
	}
	return true, nil
}

func migrate(ctx context.Context, w Writer, fl *flow.Flow, c *model.Contact, now time.Time) error {
	target, ok := fl.StepByOrder(c.CurrentStep)
	result := fmt.Sprintf("order %d", c.CurrentStep)
	if !ok {
		target, ok = fl.FirstStep()
		if !ok {
			return fmt.Errorf("flow %s has no steps to migrate onto", fl.Id)
		}
		result = fmt.Sprintf("order %d not found, first step", c.CurrentStep)
	}
	upd := &model.ContactUpdate{}
	upd.MoveTo(target.GetId(), target.GetOrder()).ScheduleAt(now)
	upd.Append(model.FlowPathEntry{
		StepId:    target.GetId(),
		Timestamp: now,
		Action:    "migrated",
		Result:    result,
	})
	if err := w.UpdateContact(ctx, c.Id, upd); err != nil {
		return err
	}
	upd.Apply(c, now)
	logger.Info("contact migrated to step id", zap.String("flowId", fl.Id), zap.String("contactId", c.Id),
		zap.String("stepId", target.GetId()))
	return nil
}
