package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/mohitkumar/dripflow/analytics"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence"
	"github.com/mohitkumar/dripflow/service"
)

// Writer receives every side effect of a run. The store writer persists them,
// the dry-run writer only records them.
type Writer interface {
	CreateContact(ctx context.Context, contact *model.Contact) error
	UpdateContact(ctx context.Context, contactId string, upd *model.ContactUpdate) error
	IncrementFlowStats(ctx context.Context, flowId string, delta model.FlowStatsDelta) error
	RecordFlowError(ctx context.Context, flowId string, rec model.ErrorRecord) error
	RecordStepEvent(ev model.StepEvent)
}

var _ Writer = new(storeWriter)
var _ Writer = new(dryRunWriter)

type storeWriter struct {
	flows     persistence.FlowStore
	contacts  persistence.ContactStore
	errors    *service.ErrorService
	collector analytics.StepDataCollector
}

func (w *storeWriter) CreateContact(ctx context.Context, contact *model.Contact) error {
	return w.contacts.CreateContact(ctx, contact)
}

func (w *storeWriter) UpdateContact(ctx context.Context, contactId string, upd *model.ContactUpdate) error {
	return w.contacts.UpdateContact(ctx, contactId, upd)
}

func (w *storeWriter) IncrementFlowStats(ctx context.Context, flowId string, delta model.FlowStatsDelta) error {
	if delta.IsZero() || len(flowId) == 0 {
		return nil
	}
	err := w.flows.IncrementFlowStats(ctx, flowId, delta)
	if errors.Is(err, persistence.ErrFlowNotFound) {
		return nil
	}
	return err
}

func (w *storeWriter) RecordFlowError(ctx context.Context, flowId string, rec model.ErrorRecord) error {
	err := w.errors.RecordFlowError(ctx, flowId, rec)
	if errors.Is(err, persistence.ErrFlowNotFound) {
		return nil
	}
	return err
}

func (w *storeWriter) RecordStepEvent(ev model.StepEvent) {
	if ev.Success {
		w.collector.RecordStepSuccess(ev.FlowId, ev.ContactId, ev.StepId, ev.Action, ev.Data)
		return
	}
	w.collector.RecordStepFailure(ev.FlowId, ev.ContactId, ev.StepId, ev.Action, ev.Reason)
}

// dryRunWriter keeps writes in memory so a test step leaves storage untouched.
type dryRunWriter struct {
	sync.Mutex
	contactId string
	updates   []model.ContactUpdate
	created   []*model.Contact
	others    map[string][]model.ContactUpdate
	stats     map[string]model.FlowStatsDelta
	errors    []model.ErrorRecord
	events    []model.StepEvent
}

func newDryRunWriter(contactId string) *dryRunWriter {
	return &dryRunWriter{
		contactId: contactId,
		others:    make(map[string][]model.ContactUpdate),
		stats:     make(map[string]model.FlowStatsDelta),
	}
}

func (w *dryRunWriter) CreateContact(ctx context.Context, contact *model.Contact) error {
	w.Lock()
	defer w.Unlock()
	w.created = append(w.created, contact.Clone())
	return nil
}

func (w *dryRunWriter) UpdateContact(ctx context.Context, contactId string, upd *model.ContactUpdate) error {
	w.Lock()
	defer w.Unlock()
	cp := model.ContactUpdate{}
	cp.Merge(*upd)
	if contactId == w.contactId {
		w.updates = append(w.updates, cp)
	} else {
		w.others[contactId] = append(w.others[contactId], cp)
	}
	return nil
}

func (w *dryRunWriter) IncrementFlowStats(ctx context.Context, flowId string, delta model.FlowStatsDelta) error {
	w.Lock()
	defer w.Unlock()
	w.stats[flowId] = w.stats[flowId].Add(delta)
	return nil
}

func (w *dryRunWriter) RecordFlowError(ctx context.Context, flowId string, rec model.ErrorRecord) error {
	w.Lock()
	defer w.Unlock()
	w.errors = append(w.errors, rec)
	return nil
}

func (w *dryRunWriter) RecordStepEvent(ev model.StepEvent) {
	w.Lock()
	defer w.Unlock()
	w.events = append(w.events, ev)
}

func (w *dryRunWriter) fill(res *model.ExecutionResult) {
	w.Lock()
	defer w.Unlock()
	res.Updates = w.updates
	res.RelatedUpdates = w.others
	res.CreatedContacts = w.created
	res.FlowStats = w.stats
	res.FlowErrors = w.errors
	res.StepEvents = w.events
}
