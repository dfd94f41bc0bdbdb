package model

import "time"

const EXIT_STEP string = "exit"

type Flow struct {
	Id         string        `json:"id" bson:"_id"`
	Owner      string        `json:"owner" bson:"owner"`
	Name       string        `json:"name" bson:"name"`
	IsActive   bool          `json:"isActive" bson:"isActive"`
	Steps      []Step        `json:"steps" bson:"steps"`
	Stats      FlowStats     `json:"stats" bson:"stats"`
	Errors     []ErrorRecord `json:"errors,omitempty" bson:"errors,omitempty"`
	ErrorStats ErrorStats    `json:"errorStats" bson:"errorStats"`
	CreatedAt  time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt" bson:"updatedAt"`
}

type FlowStats struct {
	Triggered int64 `json:"triggered" bson:"triggered"`
	Completed int64 `json:"completed" bson:"completed"`
	Active    int64 `json:"active" bson:"active"`
	Failed    int64 `json:"failed" bson:"failed"`
}

// FlowStatsDelta is applied with atomic increments, never read-modify-write.
type FlowStatsDelta struct {
	Triggered int64
	Completed int64
	Active    int64
	Failed    int64
}

func (d FlowStatsDelta) IsZero() bool {
	return d == FlowStatsDelta{}
}

func (d FlowStatsDelta) Add(o FlowStatsDelta) FlowStatsDelta {
	return FlowStatsDelta{
		Triggered: d.Triggered + o.Triggered,
		Completed: d.Completed + o.Completed,
		Active:    d.Active + o.Active,
		Failed:    d.Failed + o.Failed,
	}
}

func (s *FlowStats) Apply(d FlowStatsDelta) {
	s.Triggered += d.Triggered
	s.Completed += d.Completed
	s.Active += d.Active
	s.Failed += d.Failed
}

type ErrorStats struct {
	TotalErrors int64            `json:"totalErrors" bson:"totalErrors"`
	ByStep      map[string]int64 `json:"byStep" bson:"byStep"`
	ByType      map[string]int64 `json:"byType" bson:"byType"`
}

func (s *ErrorStats) Record(rec ErrorRecord) {
	if s.ByStep == nil {
		s.ByStep = make(map[string]int64)
	}
	if s.ByType == nil {
		s.ByType = make(map[string]int64)
	}
	s.TotalErrors++
	s.ByStep[ErrorStepKey(rec.StepId)]++
	s.ByType[string(rec.ErrorType)]++
}

// ErrorStepKey is the byStep bucket for errors raised outside any step.
func ErrorStepKey(stepId string) string {
	if len(stepId) == 0 {
		return "none"
	}
	return stepId
}

// IsIdBased reports whether every step carries an id and a type, which is
// the precondition for migrating legacy order-based contacts.
func (f *Flow) IsIdBased() bool {
	if len(f.Steps) == 0 {
		return false
	}
	for _, s := range f.Steps {
		if len(s.Id) == 0 || len(s.Type) == 0 {
			return false
		}
	}
	return true
}

type FlowRequest struct {
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
	Steps    []Step `json:"steps"`
}
