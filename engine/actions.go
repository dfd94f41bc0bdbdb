package engine

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/mohitkumar/dripflow/action"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence"
	"github.com/mohitkumar/dripflow/service"
	"github.com/mohitkumar/dripflow/util"
	"go.uber.org/zap"
)

// identityViolation is raised when an action tries to rewrite who a contact is.
type identityViolation struct {
	field string
}

func (e *identityViolation) Error() string {
	return fmt.Sprintf("field %q identifies the contact and cannot be updated", e.field)
}

type actionFailure struct {
	msg string
}

func (e *actionFailure) Error() string {
	return e.msg
}

func failAction(format string, args ...any) error {
	return &actionFailure{msg: fmt.Sprintf(format, args...)}
}

type actionResult struct {
	message string
	// complete ends the flow for the current contact instead of advancing.
	complete bool
}

var identityFields = map[string]struct{}{
	"id":     {},
	"_id":    {},
	"owner":  {},
	"flow":   {},
	"flowId": {},
}

var engineFields = map[string]struct{}{
	"status":             {},
	"currentStepId":      {},
	"currentStep":        {},
	"flowPath":           {},
	"interactions":       {},
	"nextProcessingDate": {},
	"lastError":          {},
	"tags":               {},
	"events":             {},
	"lastEmailSent":      {},
	"stats":              {},
	"createdAt":          {},
	"updatedAt":          {},
}

func (v *stepVisitor) performAction(st *action.ContactActionStep) (actionResult, error) {
	switch st.Kind {
	case model.ACTION_TAG:
		return v.tagAction(st)
	case model.ACTION_UPDATE_CONTACT:
		return v.updateContactAction(st)
	case model.ACTION_ADD_TO_FLOW:
		return v.addToFlowAction(st)
	case model.ACTION_REMOVE_FROM_FLOW:
		return v.removeFromFlowAction(st)
	case model.ACTION_CUSTOM:
		logger.Info("custom action", zap.String("flowId", v.flow.Id), zap.String("contactId", v.contact.Id),
			zap.String("stepId", st.GetId()), zap.Any("config", st.Config))
		return actionResult{message: "logged"}, nil
	}
	return actionResult{}, failAction("unknown action type %q", st.Kind)
}

func (v *stepVisitor) tagAction(st *action.ContactActionStep) (actionResult, error) {
	tags := st.ConfigStrings("tags")
	if len(tags) == 0 {
		tags = st.ConfigStrings("tag")
	}
	if len(tags) == 0 {
		return actionResult{}, failAction("tag action has no tags configured")
	}
	switch op := strings.ToLower(st.ConfigString("operation")); op {
	case "", "add":
		v.t.upd.AddTags = append(v.t.upd.AddTags, tags...)
		return actionResult{message: "added " + strings.Join(tags, ",")}, nil
	case "remove":
		v.t.upd.RemoveTags = append(v.t.upd.RemoveTags, tags...)
		return actionResult{message: "removed " + strings.Join(tags, ",")}, nil
	default:
		return actionResult{}, failAction("unknown tag operation %q", op)
	}
}

func configMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func (v *stepVisitor) updateContactAction(st *action.ContactActionStep) (actionResult, error) {
	fields := map[string]any{}
	if m, ok := configMap(st.Config["fields"]); ok {
		for k, val := range m {
			fields[k] = val
		}
	}
	if field := st.ConfigString("field"); len(field) > 0 {
		fields[field] = st.Config["value"]
	}
	if len(fields) == 0 {
		return actionResult{}, failAction("update_contact action has no fields configured")
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := identityFields[name]; ok {
			return actionResult{}, &identityViolation{field: name}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	data := v.snapshot()
	upd := model.ContactUpdate{}
	for _, name := range names {
		value := fields[name]
		if s, ok := value.(string); ok {
			value = util.ResolveTemplate(s, data)
		}
		switch name {
		case "firstName", "lastName", "email":
			upd.SetField(name, fmt.Sprintf("%v", value))
			continue
		}
		if key, ok := strings.CutPrefix(name, "metadata."); ok {
			if len(key) == 0 {
				return actionResult{}, failAction("metadata field needs a key")
			}
			if !model.IsPathSafeKey(key) {
				return actionResult{}, failAction("metadata key %q must not contain '.' or '$'", key)
			}
			upd.SetMetadata(key, value)
			continue
		}
		if _, ok := engineFields[name]; ok {
			return actionResult{}, failAction("field %q cannot be set by update_contact", name)
		}
		if !model.IsPathSafeKey(name) {
			return actionResult{}, failAction("metadata key %q must not contain '.' or '$'", name)
		}
		upd.SetMetadata(name, value)
	}
	v.t.upd.Merge(upd)
	return actionResult{message: "updated " + strings.Join(names, ",")}, nil
}

// addToFlowAction is idempotent per email: a contact already in the target flow
// is moved back to its first step instead of being enrolled twice. Unsubscribed
// and bounced contacts are left alone.
func (v *stepVisitor) addToFlowAction(st *action.ContactActionStep) (actionResult, error) {
	target := st.ConfigString("flowId")
	if len(target) == 0 {
		return actionResult{}, failAction("add_to_flow action has no flowId configured")
	}
	if target == v.flow.Id {
		return actionResult{}, failAction("contact is already in flow %s", target)
	}
	tfl, err := v.exec.lookup(v.ctx, target)
	if err != nil {
		return actionResult{}, failAction("target flow %s: %v", target, err)
	}
	first, ok := tfl.FirstStep()
	if !ok {
		return actionResult{}, failAction("target flow %s has no steps", target)
	}
	existing, err := v.exec.contacts.FindContact(v.ctx, target, v.contact.Email)
	if err == nil {
		switch existing.Status {
		case model.CONTACT_UNSUBSCRIBED, model.CONTACT_BOUNCED:
			return actionResult{message: fmt.Sprintf("already %s in %s", existing.Status, target)}, nil
		}
		upd := &model.ContactUpdate{ClearLastError: true}
		upd.SetStatus(model.CONTACT_ACTIVE).MoveTo(first.GetId(), first.GetOrder()).ScheduleAt(v.now)
		upd.Append(model.FlowPathEntry{
			StepId:    first.GetId(),
			Timestamp: v.now,
			Action:    "added_to_flow",
			Result:    "from flow " + v.flow.Id,
		})
		if err := v.writer.UpdateContact(v.ctx, existing.Id, upd); err != nil {
			return actionResult{}, err
		}
		var delta model.FlowStatsDelta
		switch existing.Status {
		case model.CONTACT_ACTIVE:
		case model.CONTACT_ERROR:
			delta = model.FlowStatsDelta{Active: 1, Failed: -1}
		default:
			delta = model.FlowStatsDelta{Active: 1}
		}
		if err := v.writer.IncrementFlowStats(v.ctx, target, delta); err != nil {
			logger.Warn("flow stats not updated", zap.String("flowId", target), zap.Error(err))
		}
		return actionResult{message: "reset " + existing.Id}, nil
	}
	if !errors.Is(err, persistence.ErrContactNotFound) {
		return actionResult{}, err
	}
	req := model.ContactRequest{
		Email:     v.contact.Email,
		Owner:     v.contact.Owner,
		FirstName: v.contact.FirstName,
		LastName:  v.contact.LastName,
		Tags:      v.contact.Tags,
		Metadata:  v.contact.Metadata,
	}
	created, err := service.NewEnrollment(tfl, req, v.now, "add_to_flow:"+v.flow.Id)
	if err != nil {
		return actionResult{}, failAction("enroll into %s: %v", target, err)
	}
	if err := v.writer.CreateContact(v.ctx, created); err != nil {
		if errors.Is(err, persistence.ErrDuplicateContact) {
			return actionResult{message: "already enrolled in " + target}, nil
		}
		return actionResult{}, err
	}
	if err := v.writer.IncrementFlowStats(v.ctx, target, model.FlowStatsDelta{Triggered: 1, Active: 1}); err != nil {
		logger.Warn("flow stats not updated", zap.String("flowId", target), zap.Error(err))
	}
	return actionResult{message: "enrolled " + created.Id}, nil
}

func (v *stepVisitor) removeFromFlowAction(st *action.ContactActionStep) (actionResult, error) {
	target := st.ConfigString("flowId")
	if len(target) == 0 || target == v.flow.Id {
		return actionResult{message: "removed from current flow", complete: true}, nil
	}
	existing, err := v.exec.contacts.FindContact(v.ctx, target, v.contact.Email)
	if errors.Is(err, persistence.ErrContactNotFound) {
		return actionResult{message: "not enrolled in " + target}, nil
	}
	if err != nil {
		return actionResult{}, err
	}
	if existing.Status.IsTerminal() {
		return actionResult{message: fmt.Sprintf("already %s in %s", existing.Status, target)}, nil
	}
	upd := &model.ContactUpdate{}
	upd.SetStatus(model.CONTACT_COMPLETED).Unschedule()
	upd.Append(model.FlowPathEntry{
		StepId:    existing.CurrentStepId,
		Timestamp: v.now,
		Action:    "removed_from_flow",
		Result:    "by flow " + v.flow.Id,
	})
	if err := v.writer.UpdateContact(v.ctx, existing.Id, upd); err != nil {
		return actionResult{}, err
	}
	delta := model.FlowStatsDelta{Completed: 1}
	switch existing.Status {
	case model.CONTACT_ACTIVE:
		delta.Active = -1
	case model.CONTACT_ERROR:
		delta.Failed = -1
	}
	if err := v.writer.IncrementFlowStats(v.ctx, target, delta); err != nil {
		logger.Warn("flow stats not updated", zap.String("flowId", target), zap.Error(err))
	}
	return actionResult{message: "removed " + existing.Id}, nil
}
