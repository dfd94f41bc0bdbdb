package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mohitkumar/dripflow/action"
	"github.com/mohitkumar/dripflow/delivery"
	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/service"
	"github.com/mohitkumar/dripflow/util"
)

const DELAY_STARTED = "delay_started"

// transition accumulates what one step does to its contact before it is committed.
type transition struct {
	upd           model.ContactUpdate
	stats         model.FlowStatsDelta
	flowErrors    []model.ErrorRecord
	failure       *failure
	failureReason string
	outcome       model.Outcome
	action        string
	result        string
}

type failure struct {
	errType model.ErrorType
	message string
}

var _ action.Visitor = new(stepVisitor)

type stepVisitor struct {
	ctx     context.Context
	exec    *StepExecutor
	writer  Writer
	flow    *flow.Flow
	contact *model.Contact
	step    action.Step
	now     time.Time
	t       transition
}

func (v *stepVisitor) record(act string, result string) {
	v.t.upd.Append(model.FlowPathEntry{
		StepId:    v.step.GetId(),
		Timestamp: v.now,
		Action:    act,
		Result:    result,
	})
	v.t.action = act
	v.t.result = result
}

// recordError appends act to the path and logs a flow error without stopping the contact.
func (v *stepVisitor) recordError(act string, errType model.ErrorType, message string, extra map[string]any) {
	v.record(act, message)
	v.t.failureReason = message
	v.t.flowErrors = append(v.t.flowErrors, service.NewErrorRecord(v.now, v.contact, v.step.GetId(), errType, message, extra))
}

// halt puts the contact in error status once the step's own writes are
// committed. The flow error is recorded by the failure itself.
func (v *stepVisitor) halt(errType model.ErrorType, message string) {
	v.t.flowErrors = nil
	v.t.failure = &failure{errType: errType, message: message}
	v.t.failureReason = message
	v.t.outcome = model.OUTCOME_ERROR
}

func (v *stepVisitor) moveTo(next action.Step, at time.Time) {
	v.t.upd.MoveTo(next.GetId(), next.GetOrder()).ScheduleAt(at)
	if at.After(v.now) {
		v.t.outcome = model.OUTCOME_WAITING
	} else {
		v.t.outcome = model.OUTCOME_MOVED
	}
}

func (v *stepVisitor) complete() {
	v.t.upd.SetStatus(model.CONTACT_COMPLETED).Unschedule()
	v.t.upd.Append(model.FlowPathEntry{StepId: v.step.GetId(), Timestamp: v.now, Action: "completed"})
	v.t.stats = v.t.stats.Add(model.FlowStatsDelta{Completed: 1, Active: -1})
	v.t.outcome = model.OUTCOME_TERMINATED
}

// advance follows nextSteps.default, then order+1, and completes at the end.
func (v *stepVisitor) advance(at time.Time) {
	next, ok := v.flow.Next(v.step)
	if !ok {
		v.complete()
		return
	}
	v.moveTo(next, at)
}

func (v *stepVisitor) route(target string) {
	next, ok := v.flow.Resolve(target)
	if !ok {
		v.complete()
		return
	}
	v.moveTo(next, v.now)
}

func (v *stepVisitor) snapshot() map[string]any {
	return v.contact.Snapshot()
}

func (v *stepVisitor) VisitEmail(st *action.EmailStep) error {
	data := v.snapshot()
	body := util.ResolveTemplate(st.Body, data)
	email := delivery.Email{
		To:      v.contact.Email,
		Subject: util.ResolveTemplate(st.Subject, data),
		Html:    body,
		Text:    body,
		Headers: map[string]string{
			"X-Dripflow-Flow-Id":    v.flow.Id,
			"X-Dripflow-Contact-Id": v.contact.Id,
			"X-Dripflow-Step-Id":    st.GetId(),
		},
	}
	receipt, err := v.exec.email.Send(v.ctx, email)
	if err != nil {
		if delivery.IsPermanentBounce(err) {
			v.t.upd.SetStatus(model.CONTACT_BOUNCED).Unschedule()
			v.recordError("email_bounced", model.ERROR_PERMANENT_DELIVERY, err.Error(), map[string]any{"email": v.contact.Email})
			v.t.stats = v.t.stats.Add(model.FlowStatsDelta{Failed: 1, Active: -1})
			v.t.outcome = model.OUTCOME_TERMINATED
			return nil
		}
		v.recordError("email_error", model.ERROR_TRANSIENT_DELIVERY, err.Error(), nil)
		if !v.exec.conf.Policy.ContinueOnTransientEmailFailure {
			v.halt(model.ERROR_TRANSIENT_DELIVERY, err.Error())
			return nil
		}
		v.advance(v.now)
		return nil
	}
	sentAt := v.now
	v.t.upd.LastEmailSent = &sentAt
	v.t.upd.Stats.EmailsSent = 1
	v.t.upd.SetInteraction(st.GetId(), model.Interaction{})
	v.record("email_sent", receipt.MessageId)
	v.advance(v.now.Add(st.Delay))
	return nil
}

func (v *stepVisitor) VisitDelay(st *action.DelayStep) error {
	if last, ok := v.contact.LastPathEntry(); ok && last.StepId == st.GetId() && last.Action == DELAY_STARTED {
		v.record("delay_completed", "")
		v.advance(v.now)
		return nil
	}
	until := v.now.Add(st.Delay)
	v.t.upd.ScheduleAt(until)
	v.record(DELAY_STARTED, until.UTC().Format(time.RFC3339))
	if until.After(v.now) {
		v.t.outcome = model.OUTCOME_WAITING
	} else {
		v.t.outcome = model.OUTCOME_MOVED
	}
	return nil
}

func (v *stepVisitor) VisitCondition(st *action.ConditionStep) error {
	next := st.GetNext()
	ok, err := v.exec.evaluator.Check(v.contact, st.Condition)
	if err != nil {
		target := next.Default
		if len(target) == 0 {
			target = next.No
		}
		if len(target) == 0 {
			v.record("condition_error", err.Error())
			v.halt(model.ERROR_CONDITION_EVALUATION, err.Error())
			return nil
		}
		v.recordError("condition_error", model.ERROR_CONDITION_EVALUATION, err.Error(), nil)
		v.route(target)
		return nil
	}
	v.record("condition_evaluated", strconv.FormatBool(ok))
	target := next.No
	if ok {
		target = next.Yes
	}
	if len(target) == 0 {
		target = next.Default
	}
	v.route(target)
	return nil
}

func (v *stepVisitor) VisitWebhook(st *action.WebhookStep) error {
	data := v.snapshot()
	body := util.ResolveParams(st.Body, data)
	body["contact"] = data
	body["flowId"] = v.flow.Id
	body["stepId"] = st.GetId()
	body["timestamp"] = v.now.UTC().Format(time.RFC3339)
	headers := make(map[string]string, len(st.Headers))
	for k, h := range st.Headers {
		headers[k] = util.ResolveTemplate(h, data)
	}
	resp, err := v.exec.webhook.Call(v.ctx, delivery.WebhookRequest{
		Method:  st.Method,
		Url:     util.ResolveTemplate(st.Url, data),
		Headers: headers,
		Body:    body,
		Timeout: v.exec.conf.WebhookTimeout,
	})
	if err != nil {
		v.recordError("webhook_error", model.ERROR_WEBHOOK, err.Error(), map[string]any{"url": st.Url, "method": st.Method})
		if !v.exec.conf.Policy.ContinueOnWebhookFailure {
			v.halt(model.ERROR_WEBHOOK, err.Error())
			return nil
		}
		v.advance(v.now)
		return nil
	}
	v.t.upd.Stats.WebhookCalls = 1
	v.record("webhook_called", strconv.Itoa(resp.Status))
	v.advance(v.now)
	return nil
}

func (v *stepVisitor) VisitAction(st *action.ContactActionStep) error {
	result, err := v.performAction(st)
	if err != nil {
		var violation *identityViolation
		if errors.As(err, &violation) {
			v.record("action_error", violation.Error())
			v.halt(model.ERROR_VALIDATION, violation.Error())
			return nil
		}
		var af *actionFailure
		if !errors.As(err, &af) {
			return err
		}
		v.recordError("action_error", model.ERROR_ACTION, af.Error(), map[string]any{"actionType": string(st.Kind)})
		if !v.exec.conf.Policy.ContinueOnActionFailure {
			v.halt(model.ERROR_ACTION, af.Error())
			return nil
		}
		v.advance(v.now)
		return nil
	}
	v.t.upd.Stats.ActionsPerformed = 1
	v.record(fmt.Sprintf("action_%s", st.Kind), result.message)
	if result.complete {
		v.complete()
		return nil
	}
	v.advance(v.now)
	return nil
}

func (v *stepVisitor) VisitUnknown(st *action.UnknownStep) error {
	v.record("skipped", fmt.Sprintf("unknown step type %q", st.GetType()))
	v.advance(v.now)
	return nil
}
