package condition

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"go.uber.org/zap"
)

var ErrMalformedCondition = errors.New("malformed condition")

// Evaluator decides condition steps. It reads the contact snapshot only.
type Evaluator struct {
	now               func() time.Time
	expressionTimeout time.Duration
}

func NewEvaluator(now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{now: now, expressionTimeout: 100 * time.Millisecond}
}

// Check evaluates cond, reporting malformed descriptors as ErrMalformedCondition.
func (e *Evaluator) Check(contact *model.Contact, cond *model.Condition) (bool, error) {
	if contact == nil {
		return false, fmt.Errorf("%w: no contact", ErrMalformedCondition)
	}
	if cond == nil || len(cond.Type) == 0 {
		return false, fmt.Errorf("%w: missing condition type", ErrMalformedCondition)
	}
	return e.Evaluate(contact, cond), nil
}

// Evaluate never panics; unknown types and unreadable values are false.
func (e *Evaluator) Evaluate(contact *model.Contact, cond *model.Condition) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("condition evaluation panicked", zap.Any("panic", r), zap.Any("condition", cond))
			result = false
		}
	}()
	if contact == nil || cond == nil {
		return false
	}
	now := e.now()
	switch cond.Type {
	case model.CONDITION_OPEN:
		return e.interaction(contact, cond, now, false)
	case model.CONDITION_CLICK:
		return e.interaction(contact, cond, now, true)
	case model.CONDITION_ATTRIBUTE:
		return evalAttribute(contact, cond)
	case model.CONDITION_TAG:
		tag, ok := cond.Value.(string)
		return ok && contact.HasTag(tag)
	case model.CONDITION_DATE:
		return evalDate(contact, cond, now)
	case model.CONDITION_EXPRESSION:
		return e.evalExpression(contact, cond)
	}
	return false
}

func (e *Evaluator) interaction(contact *model.Contact, cond *model.Condition, now time.Time, click bool) bool {
	stepId, ok := cond.Value.(string)
	if !ok {
		return false
	}
	in, found := contact.Interactions[stepId]
	if !found {
		return false
	}
	flag, at := in.Opened, in.OpenedAt
	if click {
		flag, at = in.Clicked, in.ClickedAt
	}
	if !flag {
		return false
	}
	if cond.Timeframe <= 0 {
		return true
	}
	if at == nil {
		return false
	}
	return !at.Before(now.Add(-time.Duration(cond.Timeframe) * time.Hour))
}

func evalAttribute(contact *model.Contact, cond *model.Condition) bool {
	left, exists := contact.Attribute(cond.Attribute)
	switch cond.Operator {
	case "exists":
		return exists
	case "not_exists":
		return !exists
	case "", "equals":
		return exists && equalValues(left, cond.Value)
	case "not_equals":
		return !exists || !equalValues(left, cond.Value)
	case "contains":
		return exists && containsValue(left, cond.Value)
	case "not_contains":
		return !exists || !containsValue(left, cond.Value)
	case "greater_than", "less_than":
		l, ok := toFloat(left)
		if !exists || !ok {
			return false
		}
		r, ok := toFloat(cond.Value)
		if !ok {
			return false
		}
		if cond.Operator == "greater_than" {
			return l > r
		}
		return l < r
	}
	return false
}

func equalValues(left, right any) bool {
	if l, ok := toFloat(left); ok {
		if r, ok := toFloat(right); ok {
			return l == r
		}
	}
	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			return lb == rb
		}
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func containsValue(left, right any) bool {
	if s, ok := left.(string); ok {
		sub, ok := right.(string)
		return ok && strings.Contains(s, sub)
	}
	rv := reflect.ValueOf(left)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equalValues(rv.Index(i).Interface(), right) {
			return true
		}
	}
	return false
}

// toFloat only accepts real numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
