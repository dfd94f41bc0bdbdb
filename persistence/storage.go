package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohitkumar/dripflow/model"
)

var ErrFlowNotFound = errors.New("flow not found")
var ErrContactNotFound = errors.New("contact not found")
var ErrDuplicateContact = errors.New("contact already exists")

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

type FlowStore interface {
	CreateFlow(ctx context.Context, flow *model.Flow) error
	// UpdateFlowDefinition replaces name, isActive and steps only; counters
	// and error history are left to the increment operations.
	UpdateFlowDefinition(ctx context.Context, flow *model.Flow) error
	SetFlowActive(ctx context.Context, flowId string, active bool) error
	GetFlow(ctx context.Context, flowId string) (*model.Flow, error)
	ListFlows(ctx context.Context, owner string) ([]*model.Flow, error)
	DeleteFlow(ctx context.Context, flowId string) error
	IncrementFlowStats(ctx context.Context, flowId string, delta model.FlowStatsDelta) error
	AppendFlowError(ctx context.Context, flowId string, rec model.ErrorRecord) error
}

type ContactStore interface {
	CreateContact(ctx context.Context, contact *model.Contact) error
	GetContact(ctx context.Context, contactId string) (*model.Contact, error)
	FindContact(ctx context.Context, flowId string, email string) (*model.Contact, error)
	UpdateContact(ctx context.Context, contactId string, upd *model.ContactUpdate) error
	// UpdateContacts applies upd to every contact matching filter and returns
	// the number of contacts modified.
	UpdateContacts(ctx context.Context, filter model.ContactFilter, upd *model.ContactUpdate) (int64, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Contact, error)
	ListContacts(ctx context.Context, filter model.ContactFilter, limit int) ([]*model.Contact, error)
	CountContacts(ctx context.Context, filter model.ContactFilter) (int64, error)
}

// Claimer hands out short leases on contacts so overlapping ticks never
// process the same contact twice.
type Claimer interface {
	TryClaim(ctx context.Context, contactId string, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, contactId string, owner string) error
}

type Storage interface {
	FlowStore
	ContactStore
	Claimer
	Close(ctx context.Context) error
}
