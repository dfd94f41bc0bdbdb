package action

import (
	"strings"
	"time"

	"github.com/mohitkumar/dripflow/model"
)

// Step is the closed set of executable flow nodes. Implementations live in
// this package only; callers dispatch with a Visitor.
type Step interface {
	GetId() string
	GetName() string
	GetType() model.StepType
	GetOrder() int
	GetNext() model.NextSteps
	Model() model.Step
	Accept(v Visitor) error
	isStep()
}

// Visitor must handle every step kind, so adding one breaks every visitor at
// compile time until it is handled.
type Visitor interface {
	VisitEmail(s *EmailStep) error
	VisitDelay(s *DelayStep) error
	VisitCondition(s *ConditionStep) error
	VisitWebhook(s *WebhookStep) error
	VisitAction(s *ContactActionStep) error
	VisitUnknown(s *UnknownStep) error
}

type baseStep struct {
	raw model.Step
}

func newBaseStep(raw model.Step) baseStep {
	return baseStep{raw: raw}
}

func (bs *baseStep) GetId() string {
	return bs.raw.Id
}

func (bs *baseStep) GetName() string {
	return bs.raw.Name
}

func (bs *baseStep) GetType() model.StepType {
	return bs.raw.Type
}

func (bs *baseStep) GetOrder() int {
	return bs.raw.Order
}

func (bs *baseStep) GetNext() model.NextSteps {
	return bs.raw.NextSteps
}

func (bs *baseStep) Model() model.Step {
	return bs.raw
}

func (bs *baseStep) isStep() {}

func delayDuration(days, hours int) time.Duration {
	return time.Duration(days)*24*time.Hour + time.Duration(hours)*time.Hour
}

// FromModel converts a persisted step into its typed variant. Stored data with
// an unrecognised type becomes an UnknownStep rather than an error.
func FromModel(raw model.Step) Step {
	base := newBaseStep(raw)
	switch raw.Type {
	case model.STEP_TYPE_EMAIL:
		return &EmailStep{baseStep: base, Subject: raw.Subject, Body: raw.Body, Delay: delayDuration(raw.DelayDays, raw.DelayHours)}
	case model.STEP_TYPE_DELAY:
		return &DelayStep{baseStep: base, Delay: delayDuration(raw.DelayDays, raw.DelayHours)}
	case model.STEP_TYPE_CONDITION:
		return &ConditionStep{baseStep: base, Condition: raw.Condition}
	case model.STEP_TYPE_WEBHOOK:
		method := strings.ToUpper(raw.WebhookMethod)
		if len(method) == 0 {
			method = "POST"
		}
		return &WebhookStep{baseStep: base, Url: raw.WebhookUrl, Method: method, Headers: raw.WebhookHeaders, Body: raw.WebhookBody}
	case model.STEP_TYPE_ACTION:
		cfg := raw.ActionConfig
		if cfg == nil {
			cfg = map[string]any{}
		}
		return &ContactActionStep{baseStep: base, Kind: raw.ActionType, Config: cfg}
	}
	return &UnknownStep{baseStep: base}
}
