package condition

import (
	"testing"
	"time"

	"github.com/mohitkumar/dripflow/model"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := fixedNow.Add(-d)
	return &t
}

func testContact() *model.Contact {
	return &model.Contact{
		Id:        "c1",
		Email:     "jane@example.com",
		FirstName: "Jane",
		Status:    model.CONTACT_ACTIVE,
		Tags:      []string{"vip", "beta"},
		Metadata: map[string]any{
			"plan":     "pro",
			"score":    42,
			"visits":   "7",
			"interest": []any{"shoes", "hats"},
			"renewal":  "2024-05-01",
		},
		Interactions: map[string]model.Interaction{
			"stepA": {Opened: true, OpenedAt: ago(2 * time.Hour)},
			"stepB": {Opened: true, OpenedAt: ago(48 * time.Hour), Clicked: true, ClickedAt: ago(47 * time.Hour)},
		},
		Events:        map[string]time.Time{"purchase": fixedNow.Add(-10 * 24 * time.Hour)},
		LastEmailSent: ago(3 * 24 * time.Hour),
		CreatedAt:     fixedNow.Add(-40 * 24 * time.Hour),
	}
}

func TestEvaluate(t *testing.T) {
	ev := NewEvaluator(func() time.Time { return fixedNow })
	for scenario, tc := range map[string]struct {
		cond *model.Condition
		want bool
	}{
		"opened within timeframe":      {&model.Condition{Type: model.CONDITION_OPEN, Value: "stepA", Timeframe: 24}, true},
		"opened outside timeframe":     {&model.Condition{Type: model.CONDITION_OPEN, Value: "stepB", Timeframe: 24}, false},
		"opened without timeframe":     {&model.Condition{Type: model.CONDITION_OPEN, Value: "stepB"}, true},
		"missing interaction":          {&model.Condition{Type: model.CONDITION_OPEN, Value: "stepZ"}, false},
		"clicked":                      {&model.Condition{Type: model.CONDITION_CLICK, Value: "stepB", Timeframe: 48}, true},
		"not clicked":                  {&model.Condition{Type: model.CONDITION_CLICK, Value: "stepA"}, false},
		"attribute equals":             {&model.Condition{Type: model.CONDITION_ATTRIBUTE, Attribute: "metadata.plan", Operator: "equals", Value: "pro"}, true},
		"attribute not equals":         {&model.Condition{Type: model.CONDITION_ATTRIBUTE, Attribute: "firstName", Operator: "not_equals", Value: "Bob"}, true},
		"attribute substring":          {&model.Condition{Type: model.CONDITION_ATTRIBUTE, Attribute: "email", Operator: "contains", Value: "@example"}, true},
		"attribute membership":         {&model.Condition{Type: model.CONDITION_ATTRIBUTE, Attribute: "metadata.interest", Operator: "contains", Value: "hats"}, true},
		"attribute not contains":       {&model.Condition{Type: model.CONDITION_ATTRIBUTE, Attribute: "tags", Operator: "not_contains", Value: "vip"}, false},
		"numeric greater":              {&model.Condition{Type: model.CONDITION_ATTRIBUTE, Attribute: "metadata.score", Operator: "greater_than", Value: 40}, true},
		"numeric string less":          {&model.Condition{Type: model.CONDITION_ATTRIBUTE, Attribute: "metadata.visits", Operator: "less_than", Value: "10"}, true},
		"non numeric comparison":       {&model.Condition{Type: model.CONDITION_ATTRIBUTE, Attribute: "metadata.plan", Operator: "greater_than", Value: 1}, false},
		"exists":                       {&model.Condition{Type: model.CONDITION_ATTRIBUTE, Attribute: "metadata.score", Operator: "exists"}, true},
		"not exists":                   {&model.Condition{Type: model.CONDITION_ATTRIBUTE, Attribute: "lastName", Operator: "not_exists"}, true},
		"tag":                          {&model.Condition{Type: model.CONDITION_TAG, Value: "beta"}, true},
		"tag missing":                  {&model.Condition{Type: model.CONDITION_TAG, Value: "gold"}, false},
		"created older than 30 days":   {&model.Condition{Type: model.CONDITION_DATE, Attribute: "createdAt", Operator: "older_than_days", Value: 30}, true},
		"last email within 3 days":     {&model.Condition{Type: model.CONDITION_DATE, Attribute: "lastEmailSent", Operator: "within_days", Value: 3}, true},
		"event within 7 days":          {&model.Condition{Type: model.CONDITION_DATE, Attribute: "events.purchase", Operator: "within_days", Value: 7}, false},
		"metadata date before":         {&model.Condition{Type: model.CONDITION_DATE, Attribute: "metadata.renewal", Operator: "before", Value: "2024-05-02"}, true},
		"metadata date after":          {&model.Condition{Type: model.CONDITION_DATE, Attribute: "metadata.renewal", Operator: "after", Value: "2024-05-02T00:00:00Z"}, false},
		"expression true":              {&model.Condition{Type: model.CONDITION_EXPRESSION, Value: "contact.metadata.score > 40 && contact.tags.indexOf('vip') >= 0"}, true},
		"expression syntax error":      {&model.Condition{Type: model.CONDITION_EXPRESSION, Value: "contact.("}, false},
		"expression runaway is halted": {&model.Condition{Type: model.CONDITION_EXPRESSION, Value: "while(true){}"}, false},
		"unknown type":                 {&model.Condition{Type: "geo", Value: "eu"}, false},
	} {
		t.Run(scenario, func(t *testing.T) {
			require.Equal(t, tc.want, ev.Evaluate(testContact(), tc.cond))
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	ev := NewEvaluator(func() time.Time { return fixedNow })
	conds := []*model.Condition{
		{Type: model.CONDITION_OPEN, Value: "stepA", Timeframe: 24},
		{Type: model.CONDITION_ATTRIBUTE, Attribute: "metadata.interest", Operator: "contains", Value: "shoes"},
		{Type: model.CONDITION_DATE, Attribute: "createdAt", Operator: "within_days", Value: 60},
		{Type: "nope"},
		{Type: model.CONDITION_OPEN, Value: 12},
		{Type: model.CONDITION_DATE, Attribute: "events.none", Operator: "after", Value: []int{1}},
		nil,
	}
	for _, cond := range conds {
		c := testContact()
		first := ev.Evaluate(c, cond)
		require.NotPanics(t, func() {
			require.Equal(t, first, ev.Evaluate(c, cond))
		})
		require.Equal(t, testContact(), c, "evaluation must not mutate the contact")
	}
}

func TestCheckRejectsMalformed(t *testing.T) {
	ev := NewEvaluator(nil)
	_, err := ev.Check(testContact(), nil)
	require.ErrorIs(t, err, ErrMalformedCondition)
	_, err = ev.Check(testContact(), &model.Condition{})
	require.ErrorIs(t, err, ErrMalformedCondition)
	ok, err := ev.Check(testContact(), &model.Condition{Type: model.CONDITION_TAG, Value: "vip"})
	require.NoError(t, err)
	require.True(t, ok)
}
