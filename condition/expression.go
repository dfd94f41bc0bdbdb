package condition

import (
	"time"

	"github.com/dop251/goja"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"go.uber.org/zap"
)

// evalExpression runs a javascript boolean expression with the contact bound
// as `contact`. A fresh runtime per call keeps evaluations independent.
func (e *Evaluator) evalExpression(contact *model.Contact, cond *model.Condition) bool {
	script, ok := cond.Value.(string)
	if !ok || len(script) == 0 {
		return false
	}
	vm := goja.New()
	if err := vm.Set("contact", contact.Snapshot()); err != nil {
		return false
	}
	timer := time.AfterFunc(e.expressionTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()
	val, err := vm.RunString(script)
	if err != nil {
		logger.Debug("condition expression failed", zap.String("contactId", contact.Id), zap.Error(err))
		return false
	}
	return val.ToBoolean()
}
