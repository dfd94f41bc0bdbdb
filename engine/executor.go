package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohitkumar/dripflow/action"
	"github.com/mohitkumar/dripflow/analytics"
	"github.com/mohitkumar/dripflow/condition"
	"github.com/mohitkumar/dripflow/delivery"
	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence"
	"github.com/mohitkumar/dripflow/service"
	"go.uber.org/zap"
)

const DEFAULT_MAX_STEPS_PER_RUN = 25
const DEFAULT_WEBHOOK_TIMEOUT = 10 * time.Second

// Policy decides whether a best-effort step failure still advances the contact.
type Policy struct {
	ContinueOnTransientEmailFailure bool
	ContinueOnWebhookFailure        bool
	ContinueOnActionFailure         bool
}

func DefaultPolicy() Policy {
	return Policy{
		ContinueOnTransientEmailFailure: true,
		ContinueOnWebhookFailure:        true,
		ContinueOnActionFailure:         true,
	}
}

type Config struct {
	Policy Policy
	// MaxStepsPerRun caps immediate advances chained in one run. 1 executes
	// exactly one step per contact per tick.
	MaxStepsPerRun int
	WebhookTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policy:         DefaultPolicy(),
		MaxStepsPerRun: DEFAULT_MAX_STEPS_PER_RUN,
		WebhookTimeout: DEFAULT_WEBHOOK_TIMEOUT,
	}
}

type FlowLookup interface {
	GetFlow(ctx context.Context, flowId string) (*flow.Flow, error)
}

type Dependencies struct {
	Flows     FlowLookup
	FlowStore persistence.FlowStore
	Contacts  persistence.ContactStore
	Errors    *service.ErrorService
	Email     delivery.EmailSender
	Webhook   delivery.WebhookCaller
	Collector analytics.StepDataCollector
	Now       func() time.Time
}

// StepExecutor moves one contact through its flow. Every error or panic is
// contained to the contact it happened on.
type StepExecutor struct {
	flows     FlowLookup
	contacts  persistence.ContactStore
	writer    Writer
	evaluator *condition.Evaluator
	email     delivery.EmailSender
	webhook   delivery.WebhookCaller
	conf      Config
	now       func() time.Time
}

func NewStepExecutor(deps Dependencies, conf Config) *StepExecutor {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if conf.MaxStepsPerRun <= 0 {
		conf.MaxStepsPerRun = DEFAULT_MAX_STEPS_PER_RUN
	}
	if conf.WebhookTimeout <= 0 {
		conf.WebhookTimeout = DEFAULT_WEBHOOK_TIMEOUT
	}
	collector := deps.Collector
	if collector == nil {
		collector = analytics.NoopDataCollector{}
	}
	return &StepExecutor{
		flows:     deps.Flows,
		contacts:  deps.Contacts,
		writer:    &storeWriter{flows: deps.FlowStore, contacts: deps.Contacts, errors: deps.Errors, collector: collector},
		evaluator: condition.NewEvaluator(now),
		email:     deps.Email,
		webhook:   deps.Webhook,
		conf:      conf,
		now:       now,
	}
}

func newResult(c *model.Contact) model.ExecutionResult {
	return model.ExecutionResult{
		ContactId:   c.Id,
		FlowId:      c.FlowId,
		StartStepId: c.CurrentStepId,
		Outcome:     model.OUTCOME_SKIPPED,
	}
}

func finish(c *model.Contact, res *model.ExecutionResult) {
	res.CurrentStepId = c.CurrentStepId
	res.Status = c.Status
	res.NextProcessingDate = c.NextProcessingDate
	res.FlowPath = c.FlowPath
}

// Execute runs the contact's current step and keeps chaining while the
// contact stays active and due, up to MaxStepsPerRun steps.
func (e *StepExecutor) Execute(ctx context.Context, contact *model.Contact) model.ExecutionResult {
	c := contact.Clone()
	res := newResult(c)
	fl, err := e.lookup(ctx, c.FlowId)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			e.fail(ctx, e.writer, c, c.CurrentStepId, model.ERROR_FLOW_NOT_FOUND, fmt.Sprintf("flow %q not found", c.FlowId), &res)
		} else {
			res.Error = err.Error()
			logger.Error("error loading flow", zap.String("flowId", c.FlowId), zap.String("contactId", c.Id), zap.Error(err))
		}
		finish(c, &res)
		return res
	}
	e.execute(ctx, e.writer, fl, c, e.conf.MaxStepsPerRun, &res)
	return res
}

// DryRun executes stepId of fl once against a synthetic contact. Collaborators
// are called for real but nothing is written to storage.
func (e *StepExecutor) DryRun(ctx context.Context, fl *flow.Flow, stepId string, contact *model.Contact) (model.ExecutionResult, error) {
	st, ok := fl.StepById(stepId)
	if !ok {
		return model.ExecutionResult{}, fmt.Errorf("step %q: %w", stepId, ErrStepNotFound)
	}
	c := contact.Clone()
	now := e.now()
	c.FlowId = fl.Id
	c.Status = model.CONTACT_ACTIVE
	c.CurrentStepId = st.GetId()
	c.CurrentStep = st.GetOrder()
	c.NextProcessingDate = &now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	w := newDryRunWriter(c.Id)
	res := newResult(c)
	// a dry run ignores activation so drafts can be tested
	active := *fl
	active.IsActive = true
	e.execute(ctx, w, &active, c, 1, &res)
	w.fill(&res)
	res.Contact = c
	return res, nil
}

var ErrStepNotFound = errors.New("step not found")

func (e *StepExecutor) lookup(ctx context.Context, flowId string) (*flow.Flow, error) {
	if len(flowId) == 0 {
		return nil, persistence.ErrFlowNotFound
	}
	return e.flows.GetFlow(ctx, flowId)
}

func (e *StepExecutor) execute(ctx context.Context, w Writer, fl *flow.Flow, c *model.Contact, maxSteps int, res *model.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("step execution panicked", zap.String("flowId", fl.Id), zap.String("contactId", c.Id),
				zap.String("stepId", c.CurrentStepId), zap.Any("panic", r))
			e.fail(ctx, w, c, c.CurrentStepId, model.ERROR_EXECUTION, fmt.Sprintf("panic: %v", r), res)
		}
		finish(c, res)
	}()
	if !c.IsDue(e.now()) {
		res.Outcome = model.OUTCOME_SKIPPED
		return
	}
	if !fl.IsActive {
		e.park(ctx, w, c)
		res.Outcome = model.OUTCOME_SKIPPED
		return
	}
	if NeedsMigration(fl, c) {
		if err := migrate(ctx, w, fl, c, e.now()); err != nil {
			e.fail(ctx, w, c, "", model.ERROR_EXECUTION, err.Error(), res)
			return
		}
		res.Migrated = true
		res.Outcome = model.OUTCOME_MOVED
		return
	}
	for res.StepsExecuted < maxSteps {
		if ctx.Err() != nil {
			return
		}
		st, ok := currentStep(fl, c)
		if !ok {
			e.recoverMissingStep(ctx, w, fl, c, res)
			return
		}
		if err := e.runStep(ctx, w, fl, c, st, res); err != nil {
			e.fail(ctx, w, c, st.GetId(), model.ERROR_EXECUTION, err.Error(), res)
			return
		}
		if !c.IsDue(e.now()) {
			return
		}
	}
}

// park pauses a due contact of an inactive flow so it leaves the due query
// until ActivateFlow resumes it.
func (e *StepExecutor) park(ctx context.Context, w Writer, c *model.Contact) {
	upd := &model.ContactUpdate{}
	upd.SetStatus(model.CONTACT_PAUSED)
	if err := w.UpdateContact(ctx, c.Id, upd); err != nil {
		logger.Warn("error pausing contact of inactive flow", zap.String("flowId", c.FlowId),
			zap.String("contactId", c.Id), zap.Error(err))
		return
	}
	upd.Apply(c, e.now())
	logger.Info("contact paused, flow inactive", zap.String("flowId", c.FlowId), zap.String("contactId", c.Id))
}

func currentStep(fl *flow.Flow, c *model.Contact) (action.Step, bool) {
	if len(c.CurrentStepId) > 0 {
		return fl.StepById(c.CurrentStepId)
	}
	return fl.StepByOrder(c.CurrentStep)
}

func (e *StepExecutor) recoverMissingStep(ctx context.Context, w Writer, fl *flow.Flow, c *model.Contact, res *model.ExecutionResult) {
	missing := c.CurrentStepId
	if len(missing) == 0 {
		missing = fmt.Sprintf("order %d", c.CurrentStep)
	}
	first, ok := fl.FirstStep()
	if !ok {
		e.fail(ctx, w, c, c.CurrentStepId, model.ERROR_MISSING_STEP,
			fmt.Sprintf("step %s not found and flow %s has no steps", missing, fl.Id), res)
		return
	}
	now := e.now()
	upd := &model.ContactUpdate{}
	upd.MoveTo(first.GetId(), first.GetOrder()).ScheduleAt(now)
	upd.Append(model.FlowPathEntry{
		StepId:    first.GetId(),
		Timestamp: now,
		Action:    "recover",
		Result:    "missing step " + missing,
	})
	if err := w.UpdateContact(ctx, c.Id, upd); err != nil {
		e.fail(ctx, w, c, c.CurrentStepId, model.ERROR_EXECUTION, err.Error(), res)
		return
	}
	rec := service.NewErrorRecord(now, c, c.CurrentStepId, model.ERROR_MISSING_STEP,
		fmt.Sprintf("step %s not found, reset to %s", missing, first.GetId()),
		map[string]any{"recoveredTo": first.GetId()})
	upd.Apply(c, now)
	if err := w.RecordFlowError(ctx, fl.Id, rec); err != nil {
		logger.Warn("flow error not recorded", zap.String("flowId", fl.Id), zap.Error(err))
	}
	logger.Warn("contact recovered from missing step", zap.String("flowId", fl.Id), zap.String("contactId", c.Id),
		zap.String("missing", missing), zap.String("stepId", first.GetId()))
	res.Outcome = model.OUTCOME_MOVED
}

func (e *StepExecutor) runStep(ctx context.Context, w Writer, fl *flow.Flow, c *model.Contact, st action.Step, res *model.ExecutionResult) error {
	v := &stepVisitor{
		ctx:     ctx,
		exec:    e,
		writer:  w,
		flow:    fl,
		contact: c,
		step:    st,
		now:     e.now(),
	}
	if err := st.Accept(v); err != nil {
		return err
	}
	t := &v.t
	if err := w.UpdateContact(ctx, c.Id, &t.upd); err != nil {
		return fmt.Errorf("error updating contact: %w", err)
	}
	t.upd.Apply(c, v.now)
	res.StepsExecuted++
	res.Outcome = t.outcome
	logger.Debug("step executed", zap.String("flowId", fl.Id), zap.String("contactId", c.Id),
		zap.String("stepId", st.GetId()), zap.String("action", t.action), zap.String("outcome", string(t.outcome)))

	for _, rec := range t.flowErrors {
		if err := w.RecordFlowError(ctx, fl.Id, rec); err != nil {
			logger.Warn("flow error not recorded", zap.String("flowId", fl.Id), zap.Error(err))
		}
	}
	if err := w.IncrementFlowStats(ctx, fl.Id, t.stats); err != nil {
		logger.Warn("flow stats not updated", zap.String("flowId", fl.Id), zap.Error(err))
	}
	ev := model.StepEvent{FlowId: fl.Id, ContactId: c.Id, StepId: st.GetId(), Action: t.action}
	if len(t.failureReason) > 0 {
		ev.Reason = t.failureReason
	} else {
		ev.Success = true
		ev.Data = map[string]any{"result": t.result, "outcome": string(t.outcome)}
	}
	w.RecordStepEvent(ev)
	if t.failure != nil {
		e.fail(ctx, w, c, st.GetId(), t.failure.errType, t.failure.message, res)
	}
	return nil
}

// fail moves the contact into error status and records the error on its flow.
func (e *StepExecutor) fail(ctx context.Context, w Writer, c *model.Contact, stepId string, errType model.ErrorType, message string, res *model.ExecutionResult) {
	now := e.now()
	prev := c.Status
	rec := service.NewErrorRecord(now, c, stepId, errType, message, nil)
	res.Outcome = model.OUTCOME_ERROR
	res.Error = message
	if err := w.RecordFlowError(ctx, c.FlowId, rec); err != nil {
		logger.Warn("flow error not recorded", zap.String("flowId", c.FlowId), zap.Error(err))
	}
	upd := service.FailureUpdate(rec)
	if err := w.UpdateContact(ctx, c.Id, upd); err != nil {
		logger.Error("error moving contact to error status", zap.String("flowId", c.FlowId),
			zap.String("contactId", c.Id), zap.Error(err))
		return
	}
	upd.Apply(c, now)
	if err := w.IncrementFlowStats(ctx, c.FlowId, service.FailureStats(prev)); err != nil {
		logger.Warn("flow stats not updated", zap.String("flowId", c.FlowId), zap.Error(err))
	}
	w.RecordStepEvent(model.StepEvent{FlowId: c.FlowId, ContactId: c.Id, StepId: stepId, Action: "error", Reason: message})
	logger.Error("contact failed", zap.String("flowId", c.FlowId), zap.String("contactId", c.Id),
		zap.String("stepId", stepId), zap.String("errorType", string(errType)), zap.String("error", message))
}
