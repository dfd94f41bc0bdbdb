package flow

import (
	"github.com/mohitkumar/dripflow/action"
	"github.com/mohitkumar/dripflow/model"
)

// Flow is the executable view of a persisted flow definition.
type Flow struct {
	Id       string
	Owner    string
	Name     string
	IsActive bool
	IdBased  bool
	Steps    []action.Step
	byId     map[string]action.Step
	byOrder  map[int]action.Step
}

func Convert(def *model.Flow) *Flow {
	fl := &Flow{
		Id:       def.Id,
		Owner:    def.Owner,
		Name:     def.Name,
		IsActive: def.IsActive,
		IdBased:  def.IsIdBased(),
		byId:     make(map[string]action.Step),
		byOrder:  make(map[int]action.Step),
	}
	for _, raw := range def.Steps {
		st := action.FromModel(raw)
		fl.Steps = append(fl.Steps, st)
		if len(raw.Id) > 0 {
			if _, ok := fl.byId[raw.Id]; !ok {
				fl.byId[raw.Id] = st
			}
		}
		if _, ok := fl.byOrder[raw.Order]; !ok {
			fl.byOrder[raw.Order] = st
		}
	}
	return fl
}

func (f *Flow) StepById(id string) (action.Step, bool) {
	st, ok := f.byId[id]
	return st, ok
}

func (f *Flow) StepByOrder(order int) (action.Step, bool) {
	st, ok := f.byOrder[order]
	return st, ok
}

// FirstStep is the step with order 0, else the first declared step.
func (f *Flow) FirstStep() (action.Step, bool) {
	if len(f.Steps) == 0 {
		return nil, false
	}
	if st, ok := f.byOrder[0]; ok {
		return st, true
	}
	return f.Steps[0], true
}

// Next resolves the routing rule for a completed step: nextSteps.default, then
// the step at order+1. ok is false when the contact reached the end of the flow.
func (f *Flow) Next(current action.Step) (action.Step, bool) {
	next := current.GetNext().Default
	if next == model.EXIT_STEP {
		return nil, false
	}
	if len(next) > 0 {
		if st, found := f.StepById(next); found {
			return st, true
		}
	}
	return f.StepByOrder(current.GetOrder() + 1)
}

// Resolve maps a branch target to a step; "exit" and unknown ids end the flow.
func (f *Flow) Resolve(target string) (action.Step, bool) {
	if len(target) == 0 || target == model.EXIT_STEP {
		return nil, false
	}
	return f.StepById(target)
}
