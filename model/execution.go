package model

import "time"

type Outcome string

const OUTCOME_MOVED Outcome = "moved"
const OUTCOME_WAITING Outcome = "waiting"
const OUTCOME_TERMINATED Outcome = "terminated"
const OUTCOME_ERROR Outcome = "error"
const OUTCOME_SKIPPED Outcome = "skipped"

// ExecutionResult describes one executor run over one contact.
type ExecutionResult struct {
	ContactId          string          `json:"contactId"`
	FlowId             string          `json:"flowId"`
	StartStepId        string          `json:"startStepId,omitempty"`
	CurrentStepId      string          `json:"currentStepId,omitempty"`
	StepsExecuted      int             `json:"stepsExecuted"`
	Outcome            Outcome         `json:"outcome"`
	Status             ContactStatus   `json:"status"`
	NextProcessingDate *time.Time      `json:"nextProcessingDate"`
	FlowPath           []FlowPathEntry `json:"flowPath"`
	Error              string          `json:"error,omitempty"`
	Migrated           bool            `json:"migrated,omitempty"`

	// Populated by dry runs only.
	Contact         *Contact                   `json:"contact,omitempty"`
	Updates         []ContactUpdate            `json:"-"`
	RelatedUpdates  map[string][]ContactUpdate `json:"-"`
	CreatedContacts []*Contact                 `json:"createdContacts,omitempty"`
	FlowStats       map[string]FlowStatsDelta  `json:"-"`
	FlowErrors      []ErrorRecord              `json:"flowErrors,omitempty"`
	StepEvents      []StepEvent                `json:"stepEvents,omitempty"`
}

// StepEvent is the analytics record emitted for an executed step.
type StepEvent struct {
	FlowId    string         `json:"flowId"`
	ContactId string         `json:"contactId"`
	StepId    string         `json:"stepId,omitempty"`
	Action    string         `json:"action"`
	Success   bool           `json:"success"`
	Reason    string         `json:"reason,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type TickReport struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Due        int           `json:"due"`
	Processed  int           `json:"processed"`
	Migrated   int           `json:"migrated"`
	Skipped    int           `json:"skipped"`
	Errored    int           `json:"errored"`
	Terminated int           `json:"terminated"`
}

type RetryResult struct {
	Attempted int64 `json:"attempted"`
	Reset     int64 `json:"reset"`
}

type ErrorFilter struct {
	StepId    string
	ErrorType ErrorType
	From      *time.Time
	To        *time.Time
	Limit     int
}

func (f ErrorFilter) Matches(rec ErrorRecord) bool {
	if len(f.StepId) > 0 && rec.StepId != f.StepId {
		return false
	}
	if len(f.ErrorType) > 0 && rec.ErrorType != f.ErrorType {
		return false
	}
	if f.From != nil && rec.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && rec.Timestamp.After(*f.To) {
		return false
	}
	return true
}

type ErrorSummary struct {
	FlowId          string           `json:"flowId"`
	TotalErrors     int64            `json:"totalErrors"`
	ByStep          map[string]int64 `json:"byStep"`
	ByType          map[string]int64 `json:"byType"`
	ErroredContacts int              `json:"erroredContacts"`
	LastErrorAt     *time.Time       `json:"lastErrorAt,omitempty"`
}
