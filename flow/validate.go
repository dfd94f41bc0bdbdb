package flow

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mohitkumar/dripflow/model"
)

type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidationError rejects a flow definition before it is persisted.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Error())
	}
	return "invalid flow: " + strings.Join(msgs, "; ")
}

var validMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

func Validate(def *model.Flow) error {
	var errs []FieldError
	if len(strings.TrimSpace(def.Name)) == 0 {
		errs = append(errs, FieldError{"name", "required"})
	}
	ids := make(map[string]struct{}, len(def.Steps))
	for i, st := range def.Steps {
		field := fmt.Sprintf("steps[%d].id", i)
		switch {
		case len(st.Id) == 0:
			errs = append(errs, FieldError{field, "required"})
		case st.Id == model.EXIT_STEP:
			errs = append(errs, FieldError{field, "exit is reserved"})
		case strings.ContainsAny(st.Id, ".$"):
			errs = append(errs, FieldError{field, "must not contain '.' or '$'"})
		default:
			if _, dup := ids[st.Id]; dup {
				errs = append(errs, FieldError{field, fmt.Sprintf("duplicate step id %s", st.Id)})
			}
			ids[st.Id] = struct{}{}
		}
	}
	for i, st := range def.Steps {
		errs = append(errs, validateStep(i, st, ids)...)
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateStep(i int, st model.Step, ids map[string]struct{}) []FieldError {
	var errs []FieldError
	prefix := fmt.Sprintf("steps[%d]", i)
	if !st.Type.IsValid() {
		errs = append(errs, FieldError{prefix + ".type", fmt.Sprintf("unknown step type %q", st.Type)})
	}
	if st.Order < 0 {
		errs = append(errs, FieldError{prefix + ".order", "must not be negative"})
	}
	branches := [][2]string{{"default", st.NextSteps.Default}, {"yes", st.NextSteps.Yes}, {"no", st.NextSteps.No}}
	for _, b := range branches {
		target := b[1]
		if len(target) == 0 || target == model.EXIT_STEP {
			continue
		}
		if _, ok := ids[target]; !ok {
			errs = append(errs, FieldError{prefix + ".nextSteps." + b[0], fmt.Sprintf("references unknown step %s", target)})
		}
	}
	if st.DelayDays < 0 || st.DelayHours < 0 {
		errs = append(errs, FieldError{prefix + ".delay", "must not be negative"})
	}

	switch st.Type {
	case model.STEP_TYPE_EMAIL:
		if len(strings.TrimSpace(st.Subject)) == 0 {
			errs = append(errs, FieldError{prefix + ".subject", "required"})
		}
	case model.STEP_TYPE_CONDITION:
		if st.Condition == nil {
			errs = append(errs, FieldError{prefix + ".condition", "required"})
		} else if !st.Condition.Type.IsValid() {
			errs = append(errs, FieldError{prefix + ".condition.type", fmt.Sprintf("unknown condition type %q", st.Condition.Type)})
		}
	case model.STEP_TYPE_WEBHOOK:
		u, err := url.Parse(st.WebhookUrl)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || len(u.Host) == 0 {
			errs = append(errs, FieldError{prefix + ".webhookUrl", "must be an absolute http(s) url"})
		}
		if len(st.WebhookMethod) > 0 {
			if _, ok := validMethods[strings.ToUpper(st.WebhookMethod)]; !ok {
				errs = append(errs, FieldError{prefix + ".webhookMethod", fmt.Sprintf("unsupported method %s", st.WebhookMethod)})
			}
		}
	case model.STEP_TYPE_ACTION:
		if !st.ActionType.IsValid() {
			errs = append(errs, FieldError{prefix + ".actionType", fmt.Sprintf("unknown action type %q", st.ActionType)})
		}
	}
	return errs
}
