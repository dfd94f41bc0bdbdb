package action

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mohitkumar/dripflow/model"
)

var _ Step = new(EmailStep)
var _ Step = new(DelayStep)
var _ Step = new(ConditionStep)
var _ Step = new(WebhookStep)
var _ Step = new(ContactActionStep)
var _ Step = new(UnknownStep)

type EmailStep struct {
	baseStep
	Subject string
	Body    string
	// Delay is applied after a successful send before the next step runs.
	Delay time.Duration
}

func (s *EmailStep) Accept(v Visitor) error {
	return v.VisitEmail(s)
}

type DelayStep struct {
	baseStep
	Delay time.Duration
}

func (s *DelayStep) Accept(v Visitor) error {
	return v.VisitDelay(s)
}

type ConditionStep struct {
	baseStep
	Condition *model.Condition
}

func (s *ConditionStep) Accept(v Visitor) error {
	return v.VisitCondition(s)
}

type WebhookStep struct {
	baseStep
	Url     string
	Method  string
	Headers map[string]string
	Body    map[string]any
}

func (s *WebhookStep) Accept(v Visitor) error {
	return v.VisitWebhook(s)
}

type ContactActionStep struct {
	baseStep
	Kind   model.ActionKind
	Config map[string]any
}

func (s *ContactActionStep) Accept(v Visitor) error {
	return v.VisitAction(s)
}

func (s *ContactActionStep) ConfigString(key string) string {
	v, ok := s.Config[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", v)
}

// ConfigStrings reads key as either a list or a comma separated string.
func (s *ContactActionStep) ConfigStrings(key string) []string {
	var out []string
	switch v := s.Config[key].(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); len(p) > 0 {
				out = append(out, p)
			}
		}
	case []string:
		out = append(out, v...)
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return nil
		}
		for i := 0; i < rv.Len(); i++ {
			if str, ok := rv.Index(i).Interface().(string); ok && len(str) > 0 {
				out = append(out, str)
			}
		}
	}
	return out
}

type UnknownStep struct {
	baseStep
}

func (s *UnknownStep) Accept(v Visitor) error {
	return v.VisitUnknown(s)
}
