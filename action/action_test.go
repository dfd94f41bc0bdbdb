package action

import (
	"testing"
	"time"

	"github.com/mohitkumar/dripflow/model"
	"github.com/stretchr/testify/require"
)

type kindRecorder struct {
	kinds []string
}

func (r *kindRecorder) VisitEmail(s *EmailStep) error {
	r.kinds = append(r.kinds, "email")
	return nil
}
func (r *kindRecorder) VisitDelay(s *DelayStep) error {
	r.kinds = append(r.kinds, "delay")
	return nil
}
func (r *kindRecorder) VisitCondition(s *ConditionStep) error {
	r.kinds = append(r.kinds, "condition")
	return nil
}
func (r *kindRecorder) VisitWebhook(s *WebhookStep) error {
	r.kinds = append(r.kinds, "webhook")
	return nil
}
func (r *kindRecorder) VisitAction(s *ContactActionStep) error {
	r.kinds = append(r.kinds, "action")
	return nil
}
func (r *kindRecorder) VisitUnknown(s *UnknownStep) error {
	r.kinds = append(r.kinds, "unknown")
	return nil
}

func TestFromModelDispatch(t *testing.T) {
	raw := []model.Step{
		{Id: "a", Type: model.STEP_TYPE_EMAIL, Subject: "hi", DelayHours: 2},
		{Id: "b", Type: model.STEP_TYPE_DELAY, DelayDays: 1, DelayHours: 3},
		{Id: "c", Type: model.STEP_TYPE_CONDITION, Condition: &model.Condition{Type: model.CONDITION_TAG, Value: "vip"}},
		{Id: "d", Type: model.STEP_TYPE_WEBHOOK, WebhookUrl: "http://example.com"},
		{Id: "e", Type: model.STEP_TYPE_ACTION, ActionType: model.ACTION_TAG},
		{Id: "f", Type: "sms"},
	}
	rec := &kindRecorder{}
	for _, r := range raw {
		require.NoError(t, FromModel(r).Accept(rec))
	}
	require.Equal(t, []string{"email", "delay", "condition", "webhook", "action", "unknown"}, rec.kinds)

	email := FromModel(raw[0]).(*EmailStep)
	require.Equal(t, 2*time.Hour, email.Delay)
	delay := FromModel(raw[1]).(*DelayStep)
	require.Equal(t, 27*time.Hour, delay.Delay)
	hook := FromModel(raw[3]).(*WebhookStep)
	require.Equal(t, "POST", hook.Method)
	lower := FromModel(model.Step{Id: "h", Type: model.STEP_TYPE_WEBHOOK, WebhookMethod: "patch"}).(*WebhookStep)
	require.Equal(t, "PATCH", lower.Method)
	act := FromModel(raw[4]).(*ContactActionStep)
	require.NotNil(t, act.Config)
	require.Equal(t, "f", FromModel(raw[5]).GetId())
}

func TestConfigStrings(t *testing.T) {
	s := &ContactActionStep{Config: map[string]any{
		"csv":   "a, b,,c",
		"list":  []any{"x", 1, "y"},
		"typed": []string{"p"},
		"num":   3,
	}}
	require.Equal(t, []string{"a", "b", "c"}, s.ConfigStrings("csv"))
	require.Equal(t, []string{"x", "y"}, s.ConfigStrings("list"))
	require.Equal(t, []string{"p"}, s.ConfigStrings("typed"))
	require.Nil(t, s.ConfigStrings("missing"))
	require.Equal(t, "3", s.ConfigString("num"))
	require.Equal(t, "", s.ConfigString("missing"))
}
