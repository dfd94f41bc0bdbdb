package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/dripflow/cache"
	"github.com/mohitkumar/dripflow/delivery"
	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence/memory"
	"github.com/mohitkumar/dripflow/service"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSender struct {
	mu      sync.Mutex
	sent    []delivery.Email
	fail    map[string]error
	panicOn string
}

func (s *recordingSender) Send(ctx context.Context, email delivery.Email) (delivery.Receipt, error) {
	if len(s.panicOn) > 0 && email.To == s.panicOn {
		panic("sender exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[email.To]; ok {
		return delivery.Receipt{}, err
	}
	s.sent = append(s.sent, email)
	return delivery.Receipt{MessageId: fmt.Sprintf("msg-%d", len(s.sent))}, nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubWebhook struct {
	mu    sync.Mutex
	err   error
	calls []delivery.WebhookRequest
}

func (w *stubWebhook) Call(ctx context.Context, req delivery.WebhookRequest) (*delivery.WebhookResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, req)
	if w.err != nil {
		return nil, w.err
	}
	return &delivery.WebhookResponse{Status: 200}, nil
}

type countingCollector struct {
	mu       sync.Mutex
	success  int
	failures int
}

func (c *countingCollector) RecordStepSuccess(flowId string, contactId string, stepId string, action string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.success++
}

func (c *countingCollector) RecordStepFailure(flowId string, contactId string, stepId string, action string, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
}

func (c *countingCollector) Close() error { return nil }

func (c *countingCollector) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.success + c.failures
}

type harness struct {
	store     *memory.Store
	clock     *fakeClock
	email     *recordingSender
	webhook   *stubWebhook
	collector *countingCollector
	exec      *StepExecutor
}

func newHarness(t *testing.T, conf Config) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewStore(),
		clock:     &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		email:     &recordingSender{fail: map[string]error{}},
		webhook:   &stubWebhook{},
		collector: &countingCollector{},
	}
	h.exec = NewStepExecutor(Dependencies{
		Flows:     cache.NewFlowCache(h.store, time.Minute),
		FlowStore: h.store,
		Contacts:  h.store,
		Errors:    service.NewErrorService(h.store, h.store, h.clock.Now),
		Email:     h.email,
		Webhook:   h.webhook,
		Collector: h.collector,
		Now:       h.clock.Now,
	}, conf)
	return h
}

func (h *harness) addFlow(t *testing.T, steps ...model.Step) *model.Flow {
	t.Helper()
	def := &model.Flow{
		Id:        uuid.NewString(),
		Owner:     "owner-1",
		Name:      "drip",
		IsActive:  true,
		Steps:     steps,
		CreatedAt: h.clock.Now(),
	}
	require.NoError(t, h.store.CreateFlow(context.Background(), def))
	return def
}

func (h *harness) enroll(t *testing.T, def *model.Flow, email string) *model.Contact {
	t.Helper()
	c, err := service.NewEnrollment(flow.Convert(def), model.ContactRequest{Email: email, FirstName: "Ada"}, h.clock.Now(), "test")
	require.NoError(t, err)
	require.NoError(t, h.store.CreateContact(context.Background(), c))
	require.NoError(t, h.store.IncrementFlowStats(context.Background(), def.Id, model.FlowStatsDelta{Triggered: 1, Active: 1}))
	return c
}

// place stores a contact already positioned on stepId and due now.
func (h *harness) place(t *testing.T, def *model.Flow, stepId string, mutate func(c *model.Contact)) *model.Contact {
	t.Helper()
	now := h.clock.Now()
	c := &model.Contact{
		Id:                 uuid.NewString(),
		Owner:              def.Owner,
		FlowId:             def.Id,
		Email:              uuid.NewString() + "@example.com",
		Status:             model.CONTACT_ACTIVE,
		CurrentStepId:      stepId,
		NextProcessingDate: &now,
		CreatedAt:          now,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, h.store.CreateContact(context.Background(), c))
	require.NoError(t, h.store.IncrementFlowStats(context.Background(), def.Id, model.FlowStatsDelta{Triggered: 1, Active: 1}))
	return c
}

func (h *harness) run(t *testing.T, contactId string) model.ExecutionResult {
	t.Helper()
	return h.exec.Execute(context.Background(), h.contact(t, contactId))
}

func (h *harness) contact(t *testing.T, id string) *model.Contact {
	t.Helper()
	c, err := h.store.GetContact(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) flow(t *testing.T, id string) *model.Flow {
	t.Helper()
	def, err := h.store.GetFlow(context.Background(), id)
	require.NoError(t, err)
	return def
}

func (h *harness) due(t *testing.T) []*model.Contact {
	t.Helper()
	due, err := h.store.FindDue(context.Background(), h.clock.Now(), 0)
	require.NoError(t, err)
	return due
}

func actions(c *model.Contact) []string {
	out := make([]string, 0, len(c.FlowPath))
	for _, e := range c.FlowPath {
		out = append(out, e.Action)
	}
	return out
}

func emailStep(id string, order int, next string) model.Step {
	return model.Step{Id: id, Type: model.STEP_TYPE_EMAIL, Order: order, Subject: "Hi {{firstName}}", Body: "Hello {{email}}",
		NextSteps: model.NextSteps{Default: next}}
}

func delayStep(id string, order int, days int, next string) model.Step {
	return model.Step{Id: id, Type: model.STEP_TYPE_DELAY, Order: order, DelayDays: days, NextSteps: model.NextSteps{Default: next}}
}

func TestEmailDelayEmailFlow(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.addFlow(t,
		emailStep("a", 0, "b"),
		delayStep("b", 1, 1, "c"),
		emailStep("c", 2, model.EXIT_STEP),
	)
	c := h.enroll(t, def, "ada@example.com")
	start := h.clock.Now()

	res := h.run(t, c.Id)
	require.Equal(t, model.OUTCOME_WAITING, res.Outcome)
	require.Equal(t, 2, res.StepsExecuted)
	got := h.contact(t, c.Id)
	require.Equal(t, "b", got.CurrentStepId)
	require.Equal(t, start.Add(24*time.Hour), *got.NextProcessingDate)
	require.Equal(t, []string{"enrolled", "email_sent", "delay_started"}, actions(got))
	require.Equal(t, int64(1), got.Stats.EmailsSent)
	require.Equal(t, "Hi Ada", h.email.sent[0].Subject)

	require.Empty(t, h.due(t), "not due before the delay elapses")

	h.clock.Advance(24 * time.Hour)
	require.Len(t, h.due(t), 1)
	res = h.run(t, c.Id)
	require.Equal(t, model.OUTCOME_TERMINATED, res.Outcome)
	got = h.contact(t, c.Id)
	require.Equal(t, model.CONTACT_COMPLETED, got.Status)
	require.Nil(t, got.NextProcessingDate)
	require.Equal(t, []string{"enrolled", "email_sent", "delay_started", "delay_completed", "email_sent", "completed"}, actions(got))
	require.Equal(t, 2, h.email.count())

	stats := h.flow(t, def.Id).Stats
	require.Equal(t, model.FlowStats{Triggered: 1, Completed: 1, Active: 0, Failed: 0}, stats)
	require.Empty(t, h.due(t))
}

func TestOneStepPerRun(t *testing.T) {
	h := newHarness(t, Config{Policy: DefaultPolicy(), MaxStepsPerRun: 1})
	def := h.addFlow(t, emailStep("a", 0, "b"), delayStep("b", 1, 1, model.EXIT_STEP))
	c := h.enroll(t, def, "ada@example.com")

	res := h.run(t, c.Id)
	require.Equal(t, 1, res.StepsExecuted)
	require.Equal(t, model.OUTCOME_MOVED, res.Outcome)
	got := h.contact(t, c.Id)
	require.Equal(t, "b", got.CurrentStepId)
	require.True(t, got.IsDue(h.clock.Now()))
}

func TestEmailFailures(t *testing.T) {
	scenarios := map[string]func(t *testing.T){
		"permanent bounce terminates": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t, emailStep("a", 0, "b"), delayStep("b", 1, 1, model.EXIT_STEP))
			c := h.enroll(t, def, "gone@example.com")
			h.email.fail["gone@example.com"] = &delivery.DeliveryError{Kind: delivery.PERMANENT_BOUNCE, Message: "mailbox does not exist"}

			res := h.run(t, c.Id)
			require.Equal(t, model.OUTCOME_TERMINATED, res.Outcome)
			got := h.contact(t, c.Id)
			require.Equal(t, model.CONTACT_BOUNCED, got.Status)
			require.Nil(t, got.NextProcessingDate)
			require.Equal(t, "a", got.CurrentStepId)
			require.Equal(t, []string{"enrolled", "email_bounced"}, actions(got))

			fl := h.flow(t, def.Id)
			require.Equal(t, int64(1), fl.Stats.Failed)
			require.Equal(t, int64(0), fl.Stats.Active)
			require.Len(t, fl.Errors, 1)
			require.Equal(t, model.ERROR_PERMANENT_DELIVERY, fl.Errors[0].ErrorType)

			h.clock.Advance(48 * time.Hour)
			require.Empty(t, h.due(t))
		},
		"transient failure advances": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t, emailStep("a", 0, "b"), delayStep("b", 1, 1, model.EXIT_STEP))
			c := h.enroll(t, def, "slow@example.com")
			h.email.fail["slow@example.com"] = &delivery.DeliveryError{Kind: delivery.TRANSIENT, Message: "try later"}

			h.run(t, c.Id)
			got := h.contact(t, c.Id)
			require.Equal(t, model.CONTACT_ACTIVE, got.Status)
			require.Equal(t, "b", got.CurrentStepId)
			require.Equal(t, []string{"enrolled", "email_error", "delay_started"}, actions(got))
			require.Equal(t, model.ERROR_TRANSIENT_DELIVERY, h.flow(t, def.Id).Errors[0].ErrorType)
		},
		"transient failure halts when policy says so": func(t *testing.T) {
			conf := DefaultConfig()
			conf.Policy.ContinueOnTransientEmailFailure = false
			h := newHarness(t, conf)
			def := h.addFlow(t, emailStep("a", 0, model.EXIT_STEP))
			c := h.enroll(t, def, "slow@example.com")
			h.email.fail["slow@example.com"] = errors.New("smtp timeout")

			res := h.run(t, c.Id)
			require.Equal(t, model.OUTCOME_ERROR, res.Outcome)
			got := h.contact(t, c.Id)
			require.Equal(t, model.CONTACT_ERROR, got.Status)
			require.Nil(t, got.NextProcessingDate)
			require.Equal(t, model.ERROR_TRANSIENT_DELIVERY, got.LastError.ErrorType)
			require.Len(t, h.flow(t, def.Id).Errors, 1)
		},
	}
	for name, fn := range scenarios {
		t.Run(name, fn)
	}
}

func TestConditionRouting(t *testing.T) {
	condStep := func(cond *model.Condition, next model.NextSteps) model.Step {
		return model.Step{Id: "cond", Type: model.STEP_TYPE_CONDITION, Order: 0, Condition: cond, NextSteps: next}
	}
	opened := func(h *harness) func(c *model.Contact) {
		return func(c *model.Contact) {
			at := h.clock.Now().Add(-2 * time.Hour)
			c.Interactions = map[string]model.Interaction{"stepA": {Opened: true, OpenedAt: &at}}
		}
	}
	scenarios := map[string]func(t *testing.T){
		"opened within timeframe takes yes": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t,
				condStep(&model.Condition{Type: model.CONDITION_OPEN, Value: "stepA", Timeframe: 24}, model.NextSteps{Yes: "yes", No: "no"}),
				delayStep("yes", 1, 1, model.EXIT_STEP),
				delayStep("no", 2, 1, model.EXIT_STEP),
			)
			c := h.place(t, def, "cond", opened(h))
			h.run(t, c.Id)
			got := h.contact(t, c.Id)
			require.Equal(t, "yes", got.CurrentStepId)
			require.Equal(t, "true", got.FlowPath[0].Result)
		},
		"absent branch falls to default then exit": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t,
				condStep(&model.Condition{Type: model.CONDITION_TAG, Value: "vip"}, model.NextSteps{Yes: "yes"}),
				delayStep("yes", 1, 1, model.EXIT_STEP),
			)
			c := h.place(t, def, "cond", nil)
			res := h.run(t, c.Id)
			require.Equal(t, model.OUTCOME_TERMINATED, res.Outcome)
			require.Equal(t, model.CONTACT_COMPLETED, h.contact(t, c.Id).Status)
		},
		"malformed condition routes default": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t,
				condStep(nil, model.NextSteps{Default: "fallback", Yes: "yes"}),
				delayStep("yes", 1, 1, model.EXIT_STEP),
				delayStep("fallback", 2, 1, model.EXIT_STEP),
			)
			c := h.place(t, def, "cond", nil)
			h.run(t, c.Id)
			got := h.contact(t, c.Id)
			require.Equal(t, "fallback", got.CurrentStepId)
			require.Equal(t, model.ERROR_CONDITION_EVALUATION, h.flow(t, def.Id).Errors[0].ErrorType)
		},
		"malformed condition without branches errors": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t, condStep(&model.Condition{}, model.NextSteps{Yes: "yes"}), delayStep("yes", 1, 1, model.EXIT_STEP))
			c := h.place(t, def, "cond", nil)
			res := h.run(t, c.Id)
			require.Equal(t, model.OUTCOME_ERROR, res.Outcome)
			got := h.contact(t, c.Id)
			require.Equal(t, model.CONTACT_ERROR, got.Status)
			require.Equal(t, model.ERROR_CONDITION_EVALUATION, got.LastError.ErrorType)
			require.Len(t, h.flow(t, def.Id).Errors, 1)
		},
	}
	for name, fn := range scenarios {
		t.Run(name, fn)
	}
}

func TestWebhookStep(t *testing.T) {
	webhook := model.Step{Id: "hook", Type: model.STEP_TYPE_WEBHOOK, Order: 0, WebhookUrl: "https://hooks.example.com/{{id}}",
		WebhookBody: map[string]any{"greeting": "hi {{firstName}}"}, NextSteps: model.NextSteps{Default: "wait"}}
	scenarios := map[string]func(t *testing.T){
		"success sends rendered body": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t, webhook, delayStep("wait", 1, 1, model.EXIT_STEP))
			c := h.place(t, def, "hook", func(c *model.Contact) { c.FirstName = "Grace" })
			h.run(t, c.Id)
			got := h.contact(t, c.Id)
			require.Equal(t, "wait", got.CurrentStepId)
			require.Equal(t, int64(1), got.Stats.WebhookCalls)
			require.Equal(t, "200", got.FlowPath[0].Result)

			req := h.webhook.calls[0]
			require.Equal(t, "POST", req.Method)
			require.Equal(t, "https://hooks.example.com/"+c.Id, req.Url)
			require.Equal(t, "hi Grace", req.Body["greeting"])
			require.Equal(t, def.Id, req.Body["flowId"])
			require.Equal(t, "hook", req.Body["stepId"])
			require.NotNil(t, req.Body["contact"])
			require.Equal(t, DEFAULT_WEBHOOK_TIMEOUT, req.Timeout)
		},
		"failure still advances": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.webhook.err = &delivery.WebhookError{Status: 500}
			def := h.addFlow(t, webhook, delayStep("wait", 1, 1, model.EXIT_STEP))
			c := h.place(t, def, "hook", nil)
			h.run(t, c.Id)
			got := h.contact(t, c.Id)
			require.Equal(t, model.CONTACT_ACTIVE, got.Status)
			require.Equal(t, "wait", got.CurrentStepId)
			require.Equal(t, []string{"webhook_error", "delay_started"}, actions(got))
			fl := h.flow(t, def.Id)
			require.Equal(t, model.ERROR_WEBHOOK, fl.Errors[0].ErrorType)
			require.Equal(t, int64(1), fl.ErrorStats.ByStep["hook"])
		},
		"failure halts when policy says so": func(t *testing.T) {
			conf := DefaultConfig()
			conf.Policy.ContinueOnWebhookFailure = false
			h := newHarness(t, conf)
			h.webhook.err = errors.New("connection refused")
			def := h.addFlow(t, webhook, delayStep("wait", 1, 1, model.EXIT_STEP))
			c := h.place(t, def, "hook", nil)
			h.run(t, c.Id)
			got := h.contact(t, c.Id)
			require.Equal(t, model.CONTACT_ERROR, got.Status)
			require.Equal(t, model.ERROR_WEBHOOK, got.LastError.ErrorType)
		},
	}
	for name, fn := range scenarios {
		t.Run(name, fn)
	}
}

func actionStep(kind model.ActionKind, config map[string]any) model.Step {
	return model.Step{Id: "act", Type: model.STEP_TYPE_ACTION, Order: 0, ActionType: kind, ActionConfig: config,
		NextSteps: model.NextSteps{Default: "wait"}}
}

func TestContactActions(t *testing.T) {
	scenarios := map[string]func(t *testing.T){
		"tag add and remove": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t,
				actionStep(model.ACTION_TAG, map[string]any{"tags": []any{"vip", "beta"}}),
				model.Step{Id: "wait", Type: model.STEP_TYPE_ACTION, Order: 1, ActionType: model.ACTION_TAG,
					ActionConfig: map[string]any{"tag": "lead", "operation": "remove"}, NextSteps: model.NextSteps{Default: model.EXIT_STEP}},
			)
			c := h.place(t, def, "act", func(c *model.Contact) { c.Tags = []string{"lead"} })
			h.run(t, c.Id)
			got := h.contact(t, c.Id)
			require.ElementsMatch(t, []string{"vip", "beta"}, got.Tags)
			require.Equal(t, int64(2), got.Stats.ActionsPerformed)
			require.Equal(t, []string{"action_tag", "action_tag", "completed"}, actions(got))
		},
		"update contact fields": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t,
				actionStep(model.ACTION_UPDATE_CONTACT, map[string]any{"fields": map[string]any{
					"firstName": "Ada", "metadata.plan": "pro", "score": 10,
				}}),
				delayStep("wait", 1, 1, model.EXIT_STEP),
			)
			c := h.place(t, def, "act", nil)
			h.run(t, c.Id)
			got := h.contact(t, c.Id)
			require.Equal(t, "Ada", got.FirstName)
			require.Equal(t, "pro", got.Metadata["plan"])
			require.Equal(t, 10, got.Metadata["score"])
			require.Equal(t, "wait", got.CurrentStepId)
		},
		"identity field is a validation failure": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t,
				actionStep(model.ACTION_UPDATE_CONTACT, map[string]any{"field": "owner", "value": "someone-else"}),
				delayStep("wait", 1, 1, model.EXIT_STEP),
			)
			c := h.place(t, def, "act", nil)
			res := h.run(t, c.Id)
			require.Equal(t, model.OUTCOME_ERROR, res.Outcome)
			got := h.contact(t, c.Id)
			require.Equal(t, model.CONTACT_ERROR, got.Status)
			require.Equal(t, "owner-1", got.Owner)
			require.Equal(t, model.ERROR_VALIDATION, got.LastError.ErrorType)
			require.Equal(t, []string{"action_error", "error"}, actions(got))
			require.Len(t, h.flow(t, def.Id).Errors, 1)
		},
		"dotted metadata key is rejected": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t,
				actionStep(model.ACTION_UPDATE_CONTACT, map[string]any{"fields": map[string]any{"metadata.a.b": 1}}),
				delayStep("wait", 1, 1, model.EXIT_STEP),
			)
			c := h.place(t, def, "act", nil)
			h.run(t, c.Id)
			got := h.contact(t, c.Id)
			require.Empty(t, got.Metadata)
			require.Equal(t, "wait", got.CurrentStepId)
			require.Equal(t, model.ERROR_ACTION, h.flow(t, def.Id).Errors[0].ErrorType)
		},
		"failed action advances": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t, actionStep(model.ACTION_TAG, map[string]any{}), delayStep("wait", 1, 1, model.EXIT_STEP))
			c := h.place(t, def, "act", nil)
			h.run(t, c.Id)
			got := h.contact(t, c.Id)
			require.Equal(t, model.CONTACT_ACTIVE, got.Status)
			require.Equal(t, "wait", got.CurrentStepId)
			require.Equal(t, model.ERROR_ACTION, h.flow(t, def.Id).Errors[0].ErrorType)
		},
		"add to flow is idempotent": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			target := h.addFlow(t, delayStep("t1", 0, 3, model.EXIT_STEP))
			def := h.addFlow(t,
				actionStep(model.ACTION_ADD_TO_FLOW, map[string]any{"flowId": target.Id}),
				delayStep("wait", 1, 1, model.EXIT_STEP),
			)
			c := h.place(t, def, "act", func(c *model.Contact) { c.Email = "ada@example.com"; c.Tags = []string{"vip"} })
			h.run(t, c.Id)

			enrolled, err := h.store.FindContact(context.Background(), target.Id, "ada@example.com")
			require.NoError(t, err)
			require.Equal(t, "t1", enrolled.CurrentStepId)
			require.Equal(t, []string{"vip"}, enrolled.Tags)
			require.Equal(t, model.FlowStats{Triggered: 1, Active: 1}, h.flow(t, target.Id).Stats)

			again := h.place(t, def, "act", func(c *model.Contact) { c.Email = "ada@example.com" })
			h.run(t, again.Id)
			n, err := h.store.CountContacts(context.Background(), model.ContactFilter{FlowId: target.Id})
			require.NoError(t, err)
			require.Equal(t, int64(1), n)
			reset := h.contact(t, enrolled.Id)
			require.Equal(t, "added_to_flow", reset.FlowPath[len(reset.FlowPath)-1].Action)
			require.Equal(t, model.FlowStats{Triggered: 1, Active: 1}, h.flow(t, target.Id).Stats)
		},
		"remove from current flow completes": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			def := h.addFlow(t, actionStep(model.ACTION_REMOVE_FROM_FLOW, nil), delayStep("wait", 1, 1, model.EXIT_STEP))
			c := h.place(t, def, "act", nil)
			res := h.run(t, c.Id)
			require.Equal(t, model.OUTCOME_TERMINATED, res.Outcome)
			got := h.contact(t, c.Id)
			require.Equal(t, model.CONTACT_COMPLETED, got.Status)
			require.Nil(t, got.NextProcessingDate)
		},
		"remove from other flow": func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			other := h.addFlow(t, delayStep("o1", 0, 3, model.EXIT_STEP))
			member := h.enroll(t, other, "ada@example.com")
			def := h.addFlow(t,
				actionStep(model.ACTION_REMOVE_FROM_FLOW, map[string]any{"flowId": other.Id}),
				delayStep("wait", 1, 1, model.EXIT_STEP),
			)
			c := h.place(t, def, "act", func(c *model.Contact) { c.Email = "ada@example.com" })
			h.run(t, c.Id)
			require.Equal(t, model.CONTACT_COMPLETED, h.contact(t, member.Id).Status)
			require.Equal(t, "wait", h.contact(t, c.Id).CurrentStepId)
			require.Equal(t, model.FlowStats{Triggered: 1, Completed: 1}, h.flow(t, other.Id).Stats)
		},
	}
	for name, fn := range scenarios {
		t.Run(name, fn)
	}
}

func TestAddToFlowLeavesOptedOutContacts(t *testing.T) {
	scenarios := map[string]model.ContactStatus{
		"unsubscribed": model.CONTACT_UNSUBSCRIBED,
		"bounced":      model.CONTACT_BOUNCED,
	}
	for name, status := range scenarios {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			target := h.addFlow(t, emailStep("t1", 0, model.EXIT_STEP))
			member := h.enroll(t, target, "ada@example.com")
			upd := &model.ContactUpdate{}
			upd.SetStatus(status).Unschedule()
			require.NoError(t, h.store.UpdateContact(context.Background(), member.Id, upd))

			def := h.addFlow(t,
				actionStep(model.ACTION_ADD_TO_FLOW, map[string]any{"flowId": target.Id}),
				delayStep("wait", 1, 1, model.EXIT_STEP),
			)
			c := h.place(t, def, "act", func(c *model.Contact) { c.Email = "ada@example.com" })
			h.run(t, c.Id)

			got := h.contact(t, member.Id)
			require.Equal(t, status, got.Status)
			require.Nil(t, got.NextProcessingDate)
			require.Equal(t, []string{"enrolled"}, actions(got))
			require.Equal(t, model.FlowStats{Triggered: 1, Active: 1}, h.flow(t, target.Id).Stats)
			require.Equal(t, "wait", h.contact(t, c.Id).CurrentStepId)
			require.Empty(t, h.due(t))
			require.Equal(t, 0, h.email.count())
		})
	}
}

func TestMissingStepRecovery(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.addFlow(t, emailStep("a", 0, "b"), delayStep("b", 1, 1, model.EXIT_STEP))
	c := h.place(t, def, "deleted", nil)

	res := h.run(t, c.Id)
	require.Equal(t, model.OUTCOME_MOVED, res.Outcome)
	got := h.contact(t, c.Id)
	require.Equal(t, model.CONTACT_ACTIVE, got.Status)
	require.Equal(t, "a", got.CurrentStepId)
	require.Equal(t, []string{"recover"}, actions(got))
	require.True(t, got.IsDue(h.clock.Now()))
	fl := h.flow(t, def.Id)
	require.Len(t, fl.Errors, 1)
	require.Equal(t, model.ERROR_MISSING_STEP, fl.Errors[0].ErrorType)

	empty := h.addFlow(t)
	stranded := h.place(t, empty, "gone", nil)
	res = h.run(t, stranded.Id)
	require.Equal(t, model.OUTCOME_ERROR, res.Outcome)
	got = h.contact(t, stranded.Id)
	require.Equal(t, model.CONTACT_ERROR, got.Status)
	require.Equal(t, model.ERROR_MISSING_STEP, got.LastError.ErrorType)
	require.Contains(t, got.LastError.ErrorMessage, "no steps")
}

func TestMigrationIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.addFlow(t, emailStep("a", 0, "b"), delayStep("b", 1, 1, model.EXIT_STEP))
	c := h.place(t, def, "", func(c *model.Contact) { c.CurrentStep = 1 })

	fl := flow.Convert(def)
	migrated, err := h.exec.Migrate(context.Background(), fl, h.contact(t, c.Id))
	require.NoError(t, err)
	require.True(t, migrated)
	got := h.contact(t, c.Id)
	require.Equal(t, "b", got.CurrentStepId)
	require.Equal(t, []string{"migrated"}, actions(got))

	migrated, err = h.exec.Migrate(context.Background(), fl, got)
	require.NoError(t, err)
	require.False(t, migrated)
	require.Len(t, h.contact(t, c.Id).FlowPath, 1)

	legacy := h.place(t, def, "", func(c *model.Contact) { c.CurrentStep = 7 })
	res := h.run(t, legacy.Id)
	require.True(t, res.Migrated)
	require.Equal(t, "a", h.contact(t, legacy.Id).CurrentStepId)
}

func TestLegacyFlowRunsByOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.addFlow(t,
		model.Step{Type: model.STEP_TYPE_EMAIL, Order: 0, Subject: "one"},
		model.Step{Type: model.STEP_TYPE_DELAY, Order: 1, DelayHours: 2},
	)
	c := h.place(t, def, "", nil)
	h.run(t, c.Id)
	got := h.contact(t, c.Id)
	require.Equal(t, 1, got.CurrentStep)
	require.Empty(t, got.CurrentStepId)
	require.Equal(t, h.clock.Now().Add(2*time.Hour), *got.NextProcessingDate)
}

func TestFailuresAreContained(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.email.panicOn = "boom@example.com"
	def := h.addFlow(t, emailStep("a", 0, "b"), delayStep("b", 1, 1, model.EXIT_STEP))
	bad := h.enroll(t, def, "boom@example.com")
	good := h.enroll(t, def, "fine@example.com")

	res := h.run(t, bad.Id)
	require.Equal(t, model.OUTCOME_ERROR, res.Outcome)
	got := h.contact(t, bad.Id)
	require.Equal(t, model.CONTACT_ERROR, got.Status)
	require.Equal(t, model.ERROR_EXECUTION, got.LastError.ErrorType)
	require.Contains(t, got.LastError.ErrorMessage, "sender exploded")

	h.run(t, good.Id)
	require.Equal(t, "b", h.contact(t, good.Id).CurrentStepId)

	stats := h.flow(t, def.Id).Stats
	require.Equal(t, int64(1), stats.Failed)
	require.Equal(t, int64(1), stats.Active)
}

func TestUnknownStepIsSkipped(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.addFlow(t,
		model.Step{Id: "odd", Type: "sms", Order: 0, NextSteps: model.NextSteps{Default: "b"}},
		delayStep("b", 1, 1, model.EXIT_STEP),
	)
	c := h.place(t, def, "odd", nil)
	h.run(t, c.Id)
	got := h.contact(t, c.Id)
	require.Equal(t, []string{"skipped", "delay_started"}, actions(got))
}

func TestInactiveFlowIsSkipped(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.addFlow(t, emailStep("a", 0, model.EXIT_STEP))
	require.NoError(t, h.store.SetFlowActive(context.Background(), def.Id, false))
	c := h.enroll(t, def, "ada@example.com")
	res := h.run(t, c.Id)
	require.Equal(t, model.OUTCOME_SKIPPED, res.Outcome)
	require.Equal(t, 0, h.email.count())
	got := h.contact(t, c.Id)
	require.Equal(t, []string{"enrolled"}, actions(got))
	require.Equal(t, model.CONTACT_PAUSED, got.Status, "parked until the flow is activated")
}

func TestDetachedContactErrors(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.addFlow(t, emailStep("a", 0, model.EXIT_STEP))
	c := h.place(t, def, "a", func(c *model.Contact) { c.FlowId = "missing-flow" })
	res := h.run(t, c.Id)
	require.Equal(t, model.OUTCOME_ERROR, res.Outcome)
	got := h.contact(t, c.Id)
	require.Equal(t, model.CONTACT_ERROR, got.Status)
	require.Equal(t, model.ERROR_FLOW_NOT_FOUND, got.LastError.ErrorType)
}

func TestDryRunPersistsNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.addFlow(t, emailStep("a", 0, "b"), delayStep("b", 1, 1, model.EXIT_STEP))
	synthetic := &model.Contact{Id: "synthetic", Email: "test@example.com", FirstName: "Tess"}

	res, err := h.exec.DryRun(context.Background(), flow.Convert(def), "a", synthetic)
	require.NoError(t, err)
	require.Equal(t, 1, res.StepsExecuted)
	require.Equal(t, "b", res.CurrentStepId)
	require.Len(t, res.Updates, 1)
	require.Equal(t, "Hi Tess", h.email.sent[0].Subject)
	require.Equal(t, []string{"email_sent"}, actions(res.Contact))

	n, err := h.store.CountContacts(context.Background(), model.ContactFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	require.Equal(t, model.FlowStats{}, h.flow(t, def.Id).Stats)
	require.Equal(t, 0, h.collector.calls())
	require.Len(t, res.StepEvents, 1)
	require.True(t, res.StepEvents[0].Success)
	require.Equal(t, "a", res.StepEvents[0].StepId)

	c := h.enroll(t, def, "real@example.com")
	h.run(t, c.Id)
	require.Positive(t, h.collector.calls(), "real runs reach the collector")

	_, err = h.exec.DryRun(context.Background(), flow.Convert(def), "nope", synthetic)
	require.ErrorIs(t, err, ErrStepNotFound)
}
