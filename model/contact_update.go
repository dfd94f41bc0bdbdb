package model

import (
	"strings"
	"time"
)

// ContactUpdate is a targeted changeset on one contact. Stores translate it
// into field writes so concurrent writers never overwrite unrelated fields.
type ContactUpdate struct {
	Status                  *ContactStatus
	CurrentStepId           *string
	ClearCurrentStepId      bool
	CurrentStep             *int
	NextProcessingDate      *time.Time
	ClearNextProcessingDate bool
	LastError               *LastError
	ClearLastError          bool
	LastEmailSent           *time.Time
	FlowId                  *string

	// Fields holds scalar profile writes keyed by firstName, lastName or email.
	Fields       map[string]string
	Metadata     map[string]any
	AddTags      []string
	RemoveTags   []string
	FlowPath     []FlowPathEntry
	Interactions map[string]Interaction
	Stats        ContactStats
}

// IsPathSafeKey reports whether k can key metadata or interactions without a
// document store reading it as a nested path.
func IsPathSafeKey(k string) bool {
	return len(k) > 0 && !strings.ContainsAny(k, ".$")
}

func (u *ContactUpdate) SetStatus(s ContactStatus) *ContactUpdate {
	u.Status = &s
	return u
}

// MoveTo points the contact at step and keeps the legacy order in sync.
func (u *ContactUpdate) MoveTo(stepId string, order int) *ContactUpdate {
	u.CurrentStepId = &stepId
	u.ClearCurrentStepId = false
	u.CurrentStep = &order
	return u
}

func (u *ContactUpdate) ScheduleAt(t time.Time) *ContactUpdate {
	u.NextProcessingDate = &t
	u.ClearNextProcessingDate = false
	return u
}

func (u *ContactUpdate) Unschedule() *ContactUpdate {
	u.NextProcessingDate = nil
	u.ClearNextProcessingDate = true
	return u
}

func (u *ContactUpdate) Fail(le LastError) *ContactUpdate {
	u.SetStatus(CONTACT_ERROR)
	u.LastError = &le
	u.ClearLastError = false
	return u.Unschedule()
}

func (u *ContactUpdate) Append(entry FlowPathEntry) *ContactUpdate {
	u.FlowPath = append(u.FlowPath, entry)
	return u
}

func (u *ContactUpdate) SetMetadata(key string, value any) *ContactUpdate {
	if u.Metadata == nil {
		u.Metadata = make(map[string]any)
	}
	u.Metadata[key] = value
	return u
}

func (u *ContactUpdate) SetField(name, value string) *ContactUpdate {
	if u.Fields == nil {
		u.Fields = make(map[string]string)
	}
	u.Fields[name] = value
	return u
}

func (u *ContactUpdate) SetInteraction(stepId string, in Interaction) *ContactUpdate {
	if u.Interactions == nil {
		u.Interactions = make(map[string]Interaction)
	}
	u.Interactions[stepId] = in
	return u
}

// Merge folds o into u; later writes win, appends and increments accumulate.
func (u *ContactUpdate) Merge(o ContactUpdate) *ContactUpdate {
	if o.Status != nil {
		u.Status = o.Status
	}
	if o.CurrentStepId != nil || o.ClearCurrentStepId {
		u.CurrentStepId = o.CurrentStepId
		u.ClearCurrentStepId = o.ClearCurrentStepId
	}
	if o.CurrentStep != nil {
		u.CurrentStep = o.CurrentStep
	}
	if o.NextProcessingDate != nil || o.ClearNextProcessingDate {
		u.NextProcessingDate = o.NextProcessingDate
		u.ClearNextProcessingDate = o.ClearNextProcessingDate
	}
	if o.LastError != nil || o.ClearLastError {
		u.LastError = o.LastError
		u.ClearLastError = o.ClearLastError
	}
	if o.LastEmailSent != nil {
		u.LastEmailSent = o.LastEmailSent
	}
	if o.FlowId != nil {
		u.FlowId = o.FlowId
	}
	for k, v := range o.Fields {
		u.SetField(k, v)
	}
	for k, v := range o.Metadata {
		u.SetMetadata(k, v)
	}
	for k, v := range o.Interactions {
		u.SetInteraction(k, v)
	}
	u.AddTags = append(u.AddTags, o.AddTags...)
	u.RemoveTags = append(u.RemoveTags, o.RemoveTags...)
	u.FlowPath = append(u.FlowPath, o.FlowPath...)
	u.Stats.Apply(o.Stats)
	return u
}

func (u *ContactUpdate) IsEmpty() bool {
	return u.Status == nil && u.CurrentStepId == nil && !u.ClearCurrentStepId && u.CurrentStep == nil &&
		u.NextProcessingDate == nil && !u.ClearNextProcessingDate && u.LastError == nil && !u.ClearLastError &&
		u.LastEmailSent == nil && u.FlowId == nil && len(u.Fields) == 0 && len(u.Metadata) == 0 &&
		len(u.AddTags) == 0 && len(u.RemoveTags) == 0 && len(u.FlowPath) == 0 && len(u.Interactions) == 0 &&
		u.Stats == ContactStats{}
}

// Apply mutates c in place. It is the reference semantics every store follows.
func (u *ContactUpdate) Apply(c *Contact, now time.Time) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.ClearCurrentStepId {
		c.CurrentStepId = ""
	} else if u.CurrentStepId != nil {
		c.CurrentStepId = *u.CurrentStepId
	}
	if u.CurrentStep != nil {
		c.CurrentStep = *u.CurrentStep
	}
	if u.ClearNextProcessingDate {
		c.NextProcessingDate = nil
	} else if u.NextProcessingDate != nil {
		c.NextProcessingDate = copyTime(u.NextProcessingDate)
	}
	if u.ClearLastError {
		c.LastError = nil
	} else if u.LastError != nil {
		le := *u.LastError
		c.LastError = &le
	}
	if u.LastEmailSent != nil {
		c.LastEmailSent = copyTime(u.LastEmailSent)
	}
	if u.FlowId != nil {
		c.FlowId = *u.FlowId
	}
	for k, v := range u.Fields {
		switch k {
		case "firstName":
			c.FirstName = v
		case "lastName":
			c.LastName = v
		case "email":
			c.Email = v
		}
	}
	if len(u.Metadata) > 0 && c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	for k, v := range u.Metadata {
		c.Metadata[k] = v
	}
	for _, t := range u.AddTags {
		if !c.HasTag(t) {
			c.Tags = append(c.Tags, t)
		}
	}
	if len(u.RemoveTags) > 0 {
		kept := c.Tags[:0]
		for _, t := range c.Tags {
			if !containsString(u.RemoveTags, t) {
				kept = append(kept, t)
			}
		}
		c.Tags = kept
	}
	c.FlowPath = append(c.FlowPath, u.FlowPath...)
	if len(u.Interactions) > 0 && c.Interactions == nil {
		c.Interactions = make(map[string]Interaction)
	}
	for k, v := range u.Interactions {
		c.Interactions[k] = v
	}
	c.Stats.Apply(u.Stats)
	c.UpdatedAt = now
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
