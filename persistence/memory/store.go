package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence"
)

var _ persistence.Storage = new(Store)

// Store keeps flows and contacts in process memory. Every read returns a
// copy so callers never share state with the store.
type Store struct {
	mu       sync.RWMutex
	flows    map[string]*model.Flow
	contacts map[string]*model.Contact
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		flows:    make(map[string]*model.Flow),
		contacts: make(map[string]*model.Contact),
		now:      time.Now,
	}
}

func (s *Store) CreateFlow(ctx context.Context, flow *model.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.Id] = cloneFlow(flow)
	return nil
}

func (s *Store) UpdateFlowDefinition(ctx context.Context, flow *model.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.flows[flow.Id]
	if !ok {
		return persistence.ErrFlowNotFound
	}
	existing.Name = flow.Name
	existing.IsActive = flow.IsActive
	existing.Steps = append([]model.Step(nil), flow.Steps...)
	existing.UpdatedAt = flow.UpdatedAt
	return nil
}

func (s *Store) SetFlowActive(ctx context.Context, flowId string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.flows[flowId]
	if !ok {
		return persistence.ErrFlowNotFound
	}
	existing.IsActive = active
	existing.UpdatedAt = s.now()
	return nil
}

func (s *Store) GetFlow(ctx context.Context, flowId string) (*model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[flowId]
	if !ok {
		return nil, persistence.ErrFlowNotFound
	}
	return cloneFlow(f), nil
}

func (s *Store) ListFlows(ctx context.Context, owner string) ([]*model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Flow
	for _, f := range s.flows {
		if len(owner) == 0 || f.Owner == owner {
			out = append(out, cloneFlow(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteFlow(ctx context.Context, flowId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[flowId]; !ok {
		return persistence.ErrFlowNotFound
	}
	delete(s.flows, flowId)
	return nil
}

func (s *Store) IncrementFlowStats(ctx context.Context, flowId string, delta model.FlowStatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowId]
	if !ok {
		return persistence.ErrFlowNotFound
	}
	f.Stats.Apply(delta)
	return nil
}

func (s *Store) AppendFlowError(ctx context.Context, flowId string, rec model.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowId]
	if !ok {
		return persistence.ErrFlowNotFound
	}
	f.Errors = append(f.Errors, rec)
	f.ErrorStats.Record(rec)
	return nil
}

func (s *Store) CreateContact(ctx context.Context, contact *model.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[contact.Id]; ok {
		return persistence.ErrDuplicateContact
	}
	s.contacts[contact.Id] = contact.Clone()
	return nil
}

func (s *Store) GetContact(ctx context.Context, contactId string) (*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[contactId]
	if !ok {
		return nil, persistence.ErrContactNotFound
	}
	return c.Clone(), nil
}

func (s *Store) FindContact(ctx context.Context, flowId string, email string) (*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.FlowId == flowId && strings.EqualFold(c.Email, email) {
			return c.Clone(), nil
		}
	}
	return nil, persistence.ErrContactNotFound
}

func (s *Store) UpdateContact(ctx context.Context, contactId string, upd *model.ContactUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactId]
	if !ok {
		return persistence.ErrContactNotFound
	}
	upd.Apply(c, s.now())
	return nil
}

func (s *Store) UpdateContacts(ctx context.Context, filter model.ContactFilter, upd *model.ContactUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for _, c := range s.contacts {
		if filter.Matches(c) {
			upd.Apply(c, now)
			n++
		}
	}
	return n, nil
}

func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Contact
	for _, c := range s.contacts {
		if c.IsDue(now) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextProcessingDate.Before(*out[j].NextProcessingDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListContacts(ctx context.Context, filter model.ContactFilter, limit int) ([]*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Contact
	for _, c := range s.contacts {
		if filter.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Id < out[j].Id
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountContacts(ctx context.Context, filter model.ContactFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, c := range s.contacts {
		if filter.Matches(c) {
			n++
		}
	}
	return n, nil
}

func (s *Store) TryClaim(ctx context.Context, contactId string, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactId]
	if !ok {
		return false, persistence.ErrContactNotFound
	}
	now := s.now()
	if len(c.LeaseOwner) > 0 && c.LeaseOwner != owner && c.LeaseExpiresAt != nil && c.LeaseExpiresAt.After(now) {
		return false, nil
	}
	exp := now.Add(ttl)
	c.LeaseOwner = owner
	c.LeaseExpiresAt = &exp
	return true, nil
}

func (s *Store) Release(ctx context.Context, contactId string, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactId]
	if !ok {
		return nil
	}
	if c.LeaseOwner == owner {
		c.LeaseOwner = ""
		c.LeaseExpiresAt = nil
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}

func cloneFlow(f *model.Flow) *model.Flow {
	cp := *f
	cp.Steps = append([]model.Step(nil), f.Steps...)
	cp.Errors = append([]model.ErrorRecord(nil), f.Errors...)
	cp.ErrorStats.ByStep = copyCounts(f.ErrorStats.ByStep)
	cp.ErrorStats.ByType = copyCounts(f.ErrorStats.ByType)
	return &cp
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
