package model

type StepType string

const STEP_TYPE_EMAIL StepType = "email"
const STEP_TYPE_DELAY StepType = "delay"
const STEP_TYPE_CONDITION StepType = "condition"
const STEP_TYPE_WEBHOOK StepType = "webhook"
const STEP_TYPE_ACTION StepType = "action"

func (t StepType) IsValid() bool {
	switch t {
	case STEP_TYPE_EMAIL, STEP_TYPE_DELAY, STEP_TYPE_CONDITION, STEP_TYPE_WEBHOOK, STEP_TYPE_ACTION:
		return true
	}
	return false
}

type ActionKind string

const ACTION_TAG ActionKind = "tag"
const ACTION_UPDATE_CONTACT ActionKind = "update_contact"
const ACTION_ADD_TO_FLOW ActionKind = "add_to_flow"
const ACTION_REMOVE_FROM_FLOW ActionKind = "remove_from_flow"
const ACTION_CUSTOM ActionKind = "custom"

func (k ActionKind) IsValid() bool {
	switch k {
	case ACTION_TAG, ACTION_UPDATE_CONTACT, ACTION_ADD_TO_FLOW, ACTION_REMOVE_FROM_FLOW, ACTION_CUSTOM:
		return true
	}
	return false
}

type ConditionType string

const CONDITION_OPEN ConditionType = "open"
const CONDITION_CLICK ConditionType = "click"
const CONDITION_ATTRIBUTE ConditionType = "attribute"
const CONDITION_TAG ConditionType = "tag"
const CONDITION_DATE ConditionType = "date"
const CONDITION_EXPRESSION ConditionType = "expression"

func (t ConditionType) IsValid() bool {
	switch t {
	case CONDITION_OPEN, CONDITION_CLICK, CONDITION_ATTRIBUTE, CONDITION_TAG, CONDITION_DATE, CONDITION_EXPRESSION:
		return true
	}
	return false
}

type NextSteps struct {
	Default string `json:"default,omitempty" bson:"default,omitempty"`
	Yes     string `json:"yes,omitempty" bson:"yes,omitempty"`
	No      string `json:"no,omitempty" bson:"no,omitempty"`
}

type Condition struct {
	Type      ConditionType `json:"type" bson:"type"`
	Value     any           `json:"value,omitempty" bson:"value,omitempty"`
	Operator  string        `json:"operator,omitempty" bson:"operator,omitempty"`
	Attribute string        `json:"attribute,omitempty" bson:"attribute,omitempty"`
	// Timeframe in hours, zero means unbounded.
	Timeframe int `json:"timeframe,omitempty" bson:"timeframe,omitempty"`
}

// Step is the persisted shape of one flow node; fields that do not belong to
// Type are ignored.
type Step struct {
	Id        string    `json:"id" bson:"id"`
	Type      StepType  `json:"type" bson:"type"`
	Name      string    `json:"name,omitempty" bson:"name,omitempty"`
	Order     int       `json:"order" bson:"order"`
	NextSteps NextSteps `json:"nextSteps" bson:"nextSteps"`

	Subject    string `json:"subject,omitempty" bson:"subject,omitempty"`
	Body       string `json:"body,omitempty" bson:"body,omitempty"`
	DelayDays  int    `json:"delayDays,omitempty" bson:"delayDays,omitempty"`
	DelayHours int    `json:"delayHours,omitempty" bson:"delayHours,omitempty"`

	Condition *Condition `json:"condition,omitempty" bson:"condition,omitempty"`

	WebhookUrl     string            `json:"webhookUrl,omitempty" bson:"webhookUrl,omitempty"`
	WebhookMethod  string            `json:"webhookMethod,omitempty" bson:"webhookMethod,omitempty"`
	WebhookHeaders map[string]string `json:"webhookHeaders,omitempty" bson:"webhookHeaders,omitempty"`
	WebhookBody    map[string]any    `json:"webhookBody,omitempty" bson:"webhookBody,omitempty"`

	ActionType   ActionKind     `json:"actionType,omitempty" bson:"actionType,omitempty"`
	ActionConfig map[string]any `json:"actionConfig,omitempty" bson:"actionConfig,omitempty"`
}
