package model

import (
	"strings"
	"time"
)

type ContactStatus string

const CONTACT_ACTIVE ContactStatus = "active"
const CONTACT_PAUSED ContactStatus = "paused"
const CONTACT_COMPLETED ContactStatus = "completed"
const CONTACT_UNSUBSCRIBED ContactStatus = "unsubscribed"
const CONTACT_BOUNCED ContactStatus = "bounced"
const CONTACT_ERROR ContactStatus = "error"

func (s ContactStatus) IsTerminal() bool {
	return s == CONTACT_COMPLETED || s == CONTACT_UNSUBSCRIBED || s == CONTACT_BOUNCED
}

type FlowPathEntry struct {
	StepId    string    `json:"stepId,omitempty" bson:"stepId,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Action    string    `json:"action" bson:"action"`
	Result    string    `json:"result,omitempty" bson:"result,omitempty"`
}

type Interaction struct {
	Opened       bool       `json:"opened" bson:"opened"`
	OpenedAt     *time.Time `json:"openedAt,omitempty" bson:"openedAt,omitempty"`
	Clicked      bool       `json:"clicked" bson:"clicked"`
	ClickedAt    *time.Time `json:"clickedAt,omitempty" bson:"clickedAt,omitempty"`
	ClickedLinks []string   `json:"clickedLinks,omitempty" bson:"clickedLinks,omitempty"`
}

type ContactStats struct {
	EmailsSent       int64 `json:"emailsSent" bson:"emailsSent"`
	Opens            int64 `json:"opens" bson:"opens"`
	Clicks           int64 `json:"clicks" bson:"clicks"`
	WebhookCalls     int64 `json:"webhookCalls" bson:"webhookCalls"`
	ActionsPerformed int64 `json:"actionsPerformed" bson:"actionsPerformed"`
}

func (s *ContactStats) Apply(d ContactStats) {
	s.EmailsSent += d.EmailsSent
	s.Opens += d.Opens
	s.Clicks += d.Clicks
	s.WebhookCalls += d.WebhookCalls
	s.ActionsPerformed += d.ActionsPerformed
}

type Contact struct {
	Id                 string                 `json:"id" bson:"_id"`
	Owner              string                 `json:"owner" bson:"owner"`
	FlowId             string                 `json:"flow,omitempty" bson:"flow,omitempty"`
	Email              string                 `json:"email" bson:"email"`
	FirstName          string                 `json:"firstName,omitempty" bson:"firstName,omitempty"`
	LastName           string                 `json:"lastName,omitempty" bson:"lastName,omitempty"`
	Status             ContactStatus          `json:"status" bson:"status"`
	CurrentStepId      string                 `json:"currentStepId,omitempty" bson:"currentStepId,omitempty"`
	CurrentStep        int                    `json:"currentStep" bson:"currentStep"`
	FlowPath           []FlowPathEntry        `json:"flowPath" bson:"flowPath"`
	Interactions       map[string]Interaction `json:"interactions,omitempty" bson:"interactions,omitempty"`
	NextProcessingDate *time.Time             `json:"nextProcessingDate" bson:"nextProcessingDate"`
	LastError          *LastError             `json:"lastError" bson:"lastError"`
	Tags               []string               `json:"tags" bson:"tags"`
	Metadata           map[string]any         `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Events             map[string]time.Time   `json:"events,omitempty" bson:"events,omitempty"`
	LastEmailSent      *time.Time             `json:"lastEmailSent,omitempty" bson:"lastEmailSent,omitempty"`
	Stats              ContactStats           `json:"stats" bson:"stats"`
	CreatedAt          time.Time              `json:"createdAt" bson:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt" bson:"updatedAt"`

	LeaseOwner     string     `json:"-" bson:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time `json:"-" bson:"leaseExpiresAt,omitempty"`
}

// IsDue reports whether the contact should be picked up by a tick at now.
func (c *Contact) IsDue(now time.Time) bool {
	return c.Status == CONTACT_ACTIVE && c.NextProcessingDate != nil && !c.NextProcessingDate.After(now)
}

func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (c *Contact) LastPathEntry() (FlowPathEntry, bool) {
	if len(c.FlowPath) == 0 {
		return FlowPathEntry{}, false
	}
	return c.FlowPath[len(c.FlowPath)-1], true
}

// Attribute resolves a top level field or a metadata.<key> path.
func (c *Contact) Attribute(name string) (any, bool) {
	if key, ok := strings.CutPrefix(name, "metadata."); ok {
		v, found := c.Metadata[key]
		return v, found && v != nil
	}
	switch name {
	case "id":
		return c.Id, true
	case "email":
		return c.Email, len(c.Email) > 0
	case "firstName":
		return c.FirstName, len(c.FirstName) > 0
	case "lastName":
		return c.LastName, len(c.LastName) > 0
	case "status":
		return string(c.Status), true
	case "owner":
		return c.Owner, len(c.Owner) > 0
	case "flow":
		return c.FlowId, len(c.FlowId) > 0
	case "currentStepId":
		return c.CurrentStepId, len(c.CurrentStepId) > 0
	case "currentStep":
		return c.CurrentStep, true
	case "tags":
		tags := make([]any, len(c.Tags))
		for i, t := range c.Tags {
			tags[i] = t
		}
		return tags, true
	}
	v, found := c.Metadata[name]
	return v, found && v != nil
}

// Snapshot is the plain map view used by templates, webhooks and expressions.
func (c *Contact) Snapshot() map[string]any {
	tags := make([]any, len(c.Tags))
	for i, t := range c.Tags {
		tags[i] = t
	}
	metadata := make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		metadata[k] = v
	}
	return map[string]any{
		"id":            c.Id,
		"email":         c.Email,
		"firstName":     c.FirstName,
		"lastName":      c.LastName,
		"status":        string(c.Status),
		"owner":         c.Owner,
		"flow":          c.FlowId,
		"currentStepId": c.CurrentStepId,
		"tags":          tags,
		"metadata":      metadata,
	}
}

func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	cp := *c
	cp.FlowPath = append([]FlowPathEntry(nil), c.FlowPath...)
	cp.Tags = append([]string(nil), c.Tags...)
	if c.Interactions != nil {
		cp.Interactions = make(map[string]Interaction, len(c.Interactions))
		for k, v := range c.Interactions {
			v.ClickedLinks = append([]string(nil), v.ClickedLinks...)
			cp.Interactions[k] = v
		}
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	if c.Events != nil {
		cp.Events = make(map[string]time.Time, len(c.Events))
		for k, v := range c.Events {
			cp.Events[k] = v
		}
	}
	if c.LastError != nil {
		le := *c.LastError
		cp.LastError = &le
	}
	cp.NextProcessingDate = copyTime(c.NextProcessingDate)
	cp.LastEmailSent = copyTime(c.LastEmailSent)
	cp.LeaseExpiresAt = copyTime(c.LeaseExpiresAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type ContactRequest struct {
	Email     string         `json:"email"`
	Owner     string         `json:"owner"`
	FirstName string         `json:"firstName"`
	LastName  string         `json:"lastName"`
	Tags      []string       `json:"tags"`
	Metadata  map[string]any `json:"metadata"`
}

type ContactFilter struct {
	FlowId string
	Status ContactStatus
	Email  string
	Owner  string
	// MissingCurrentStep selects contacts without a currentStepId.
	MissingCurrentStep *bool
}

func (f ContactFilter) Matches(c *Contact) bool {
	if len(f.FlowId) > 0 && c.FlowId != f.FlowId {
		return false
	}
	if len(f.Status) > 0 && c.Status != f.Status {
		return false
	}
	if len(f.Email) > 0 && !strings.EqualFold(c.Email, f.Email) {
		return false
	}
	if len(f.Owner) > 0 && c.Owner != f.Owner {
		return false
	}
	if f.MissingCurrentStep != nil && (len(c.CurrentStepId) == 0) != *f.MissingCurrentStep {
		return false
	}
	return true
}
