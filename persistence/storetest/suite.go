// Package storetest holds the behaviour every persistence.Storage must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence"
	"github.com/stretchr/testify/suite"
)

type StoreSuite struct {
	suite.Suite
	// NewStore returns an empty store for each test.
	NewStore func() persistence.Storage
	store    persistence.Storage
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.NewStore()
}

func (s *StoreSuite) flow(id string) *model.Flow {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Flow{
		Id:       id,
		Owner:    "owner-1",
		Name:     "welcome",
		IsActive: true,
		Steps: []model.Step{
			{Id: "a", Type: model.STEP_TYPE_EMAIL, Subject: "hi", Order: 0, NextSteps: model.NextSteps{Default: "b"}},
			{Id: "b", Type: model.STEP_TYPE_DELAY, DelayDays: 1, Order: 1},
		},
		ErrorStats: model.ErrorStats{ByStep: map[string]int64{}, ByType: map[string]int64{}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *StoreSuite) contact(id, flowId, email string, status model.ContactStatus, next *time.Time) *model.Contact {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Contact{
		Id:                 id,
		Owner:              "owner-1",
		FlowId:             flowId,
		Email:              email,
		Status:             status,
		CurrentStepId:      "a",
		NextProcessingDate: next,
		Tags:               []string{"lead"},
		Metadata:           map[string]any{"plan": "free"},
		FlowPath:           []model.FlowPathEntry{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func at(t time.Time) *time.Time {
	t = t.UTC().Truncate(time.Millisecond)
	return &t
}

func (s *StoreSuite) TestFlowLifecycle() {
	f := s.flow("flow-1")
	s.Require().NoError(s.store.CreateFlow(s.ctx, f))

	got, err := s.store.GetFlow(s.ctx, "flow-1")
	s.Require().NoError(err)
	s.Equal("welcome", got.Name)
	s.Len(got.Steps, 2)

	f.Name = "renamed"
	f.Steps = f.Steps[:1]
	s.Require().NoError(s.store.UpdateFlowDefinition(s.ctx, f))
	s.Require().NoError(s.store.SetFlowActive(s.ctx, "flow-1", false))
	got, err = s.store.GetFlow(s.ctx, "flow-1")
	s.Require().NoError(err)
	s.Equal("renamed", got.Name)
	s.Len(got.Steps, 1)
	s.False(got.IsActive)

	flows, err := s.store.ListFlows(s.ctx, "owner-1")
	s.Require().NoError(err)
	s.Len(flows, 1)
	flows, err = s.store.ListFlows(s.ctx, "someone-else")
	s.Require().NoError(err)
	s.Empty(flows)

	s.Require().NoError(s.store.DeleteFlow(s.ctx, "flow-1"))
	_, err = s.store.GetFlow(s.ctx, "flow-1")
	s.ErrorIs(err, persistence.ErrFlowNotFound)
	s.ErrorIs(s.store.UpdateFlowDefinition(s.ctx, f), persistence.ErrFlowNotFound)
}

func (s *StoreSuite) TestFlowCountersAreAtomic() {
	s.Require().NoError(s.store.CreateFlow(s.ctx, s.flow("flow-1")))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.NoError(s.store.IncrementFlowStats(s.ctx, "flow-1", model.FlowStatsDelta{Triggered: 1, Active: 1}))
			s.NoError(s.store.AppendFlowError(s.ctx, "flow-1", model.ErrorRecord{
				Id:           fmt.Sprintf("err-%d", i),
				StepId:       "a",
				ErrorType:    model.ERROR_WEBHOOK,
				ErrorMessage: "boom",
				Timestamp:    time.Now().UTC(),
			}))
		}(i)
	}
	wg.Wait()

	got, err := s.store.GetFlow(s.ctx, "flow-1")
	s.Require().NoError(err)
	s.EqualValues(20, got.Stats.Triggered)
	s.EqualValues(20, got.Stats.Active)
	s.EqualValues(20, got.ErrorStats.TotalErrors)
	s.EqualValues(20, got.ErrorStats.ByStep["a"])
	s.EqualValues(20, got.ErrorStats.ByType[string(model.ERROR_WEBHOOK)])
	s.Len(got.Errors, 20)
	s.ErrorIs(s.store.IncrementFlowStats(s.ctx, "missing", model.FlowStatsDelta{Active: 1}), persistence.ErrFlowNotFound)
}

func (s *StoreSuite) TestContactUpdate() {
	now := time.Now()
	c := s.contact("c1", "flow-1", "Jane@Example.com", model.CONTACT_ACTIVE, at(now))
	s.Require().NoError(s.store.CreateContact(s.ctx, c))
	s.ErrorIs(s.store.CreateContact(s.ctx, c), persistence.ErrDuplicateContact)

	found, err := s.store.FindContact(s.ctx, "flow-1", "jane@example.com")
	s.Require().NoError(err)
	s.Equal("c1", found.Id)

	upd := &model.ContactUpdate{AddTags: []string{"vip"}, RemoveTags: []string{"lead"}}
	upd.MoveTo("b", 1).ScheduleAt(now.Add(24*time.Hour).UTC().Truncate(time.Millisecond))
	upd.Append(model.FlowPathEntry{StepId: "a", Action: "email_sent", Timestamp: now.UTC().Truncate(time.Millisecond)})
	upd.SetMetadata("plan", "pro").SetField("firstName", "Jane")
	upd.SetInteraction("a", model.Interaction{Opened: false})
	upd.Stats.EmailsSent = 1
	s.Require().NoError(s.store.UpdateContact(s.ctx, "c1", upd))

	got, err := s.store.GetContact(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal("b", got.CurrentStepId)
	s.Equal(1, got.CurrentStep)
	s.Equal([]string{"vip"}, got.Tags)
	s.Equal("pro", got.Metadata["plan"])
	s.Equal("Jane", got.FirstName)
	s.Len(got.FlowPath, 1)
	s.Contains(got.Interactions, "a")
	s.EqualValues(1, got.Stats.EmailsSent)
	s.False(got.IsDue(now))

	fail := &model.ContactUpdate{}
	fail.Fail(model.LastError{StepId: "b", ErrorType: model.ERROR_EXECUTION, ErrorMessage: "boom", Timestamp: now.UTC().Truncate(time.Millisecond)})
	s.Require().NoError(s.store.UpdateContact(s.ctx, "c1", fail))
	got, err = s.store.GetContact(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal(model.CONTACT_ERROR, got.Status)
	s.Nil(got.NextProcessingDate)
	s.Require().NotNil(got.LastError)
	s.Equal("boom", got.LastError.ErrorMessage)

	clear := &model.ContactUpdate{ClearLastError: true, ClearCurrentStepId: true}
	clear.SetStatus(model.CONTACT_ACTIVE)
	s.Require().NoError(s.store.UpdateContact(s.ctx, "c1", clear))
	got, err = s.store.GetContact(s.ctx, "c1")
	s.Require().NoError(err)
	s.Nil(got.LastError)
	s.Empty(got.CurrentStepId)

	s.ErrorIs(s.store.UpdateContact(s.ctx, "missing", clear), persistence.ErrContactNotFound)
	_, err = s.store.GetContact(s.ctx, "missing")
	s.ErrorIs(err, persistence.ErrContactNotFound)
}

func (s *StoreSuite) TestFindDue() {
	now := time.Now()
	s.Require().NoError(s.store.CreateContact(s.ctx, s.contact("due-1", "f", "a@x.com", model.CONTACT_ACTIVE, at(now.Add(-time.Hour)))))
	s.Require().NoError(s.store.CreateContact(s.ctx, s.contact("due-2", "f", "b@x.com", model.CONTACT_ACTIVE, at(now.Add(-2*time.Hour)))))
	s.Require().NoError(s.store.CreateContact(s.ctx, s.contact("later", "f", "c@x.com", model.CONTACT_ACTIVE, at(now.Add(time.Hour)))))
	s.Require().NoError(s.store.CreateContact(s.ctx, s.contact("paused", "f", "d@x.com", model.CONTACT_PAUSED, at(now.Add(-time.Hour)))))
	s.Require().NoError(s.store.CreateContact(s.ctx, s.contact("done", "f", "e@x.com", model.CONTACT_COMPLETED, nil)))

	due, err := s.store.FindDue(s.ctx, now, 10)
	s.Require().NoError(err)
	s.Require().Len(due, 2)
	s.Equal("due-2", due[0].Id)
	s.Equal("due-1", due[1].Id)

	due, err = s.store.FindDue(s.ctx, now, 1)
	s.Require().NoError(err)
	s.Len(due, 1)
}

func (s *StoreSuite) TestUpdateContactsByFilter() {
	now := time.Now()
	for i := 0; i < 5; i++ {
		c := s.contact(fmt.Sprintf("err-%d", i), "flow-1", fmt.Sprintf("e%d@x.com", i), model.CONTACT_ERROR, nil)
		c.LastError = &model.LastError{ErrorType: model.ERROR_EXECUTION, ErrorMessage: "x", Timestamp: now.UTC().Truncate(time.Millisecond)}
		if i == 0 {
			c.CurrentStepId = ""
		}
		s.Require().NoError(s.store.CreateContact(s.ctx, c))
	}
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.store.CreateContact(s.ctx, s.contact(fmt.Sprintf("act-%d", i), "flow-1", fmt.Sprintf("a%d@x.com", i), model.CONTACT_ACTIVE, at(now))))
	}
	s.Require().NoError(s.store.CreateContact(s.ctx, s.contact("other", "flow-2", "o@x.com", model.CONTACT_ERROR, nil)))

	missing := true
	n, err := s.store.CountContacts(s.ctx, model.ContactFilter{FlowId: "flow-1", Status: model.CONTACT_ERROR, MissingCurrentStep: &missing})
	s.Require().NoError(err)
	s.EqualValues(1, n)

	upd := &model.ContactUpdate{ClearLastError: true}
	upd.SetStatus(model.CONTACT_ACTIVE).ScheduleAt(now.UTC().Truncate(time.Millisecond))
	n, err = s.store.UpdateContacts(s.ctx, model.ContactFilter{FlowId: "flow-1", Status: model.CONTACT_ERROR}, upd)
	s.Require().NoError(err)
	s.EqualValues(5, n)

	active, err := s.store.ListContacts(s.ctx, model.ContactFilter{FlowId: "flow-1", Status: model.CONTACT_ACTIVE}, 0)
	s.Require().NoError(err)
	s.Len(active, 8)
	for _, c := range active {
		s.Nil(c.LastError)
	}
	other, err := s.store.GetContact(s.ctx, "other")
	s.Require().NoError(err)
	s.Equal(model.CONTACT_ERROR, other.Status)
}

func (s *StoreSuite) TestClaimIsExclusive() {
	s.Require().NoError(s.store.CreateContact(s.ctx, s.contact("c1", "f", "a@x.com", model.CONTACT_ACTIVE, at(time.Now()))))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.store.TryClaim(s.ctx, "c1", fmt.Sprintf("worker-%d", i), time.Minute)
			s.NoError(err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	s.EqualValues(1, wins.Load())

	ok, err := s.store.TryClaim(s.ctx, "c1", "late", time.Minute)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreSuite) TestClaimReleaseAndExpiry() {
	s.Require().NoError(s.store.CreateContact(s.ctx, s.contact("c1", "f", "a@x.com", model.CONTACT_ACTIVE, at(time.Now()))))

	ok, err := s.store.TryClaim(s.ctx, "c1", "w1", time.Minute)
	s.Require().NoError(err)
	s.True(ok)
	s.Require().NoError(s.store.Release(s.ctx, "c1", "w2"))
	ok, err = s.store.TryClaim(s.ctx, "c1", "w2", time.Minute)
	s.Require().NoError(err)
	s.False(ok, "release by a non owner keeps the lease")

	s.Require().NoError(s.store.Release(s.ctx, "c1", "w1"))
	ok, err = s.store.TryClaim(s.ctx, "c1", "w2", 50*time.Millisecond)
	s.Require().NoError(err)
	s.True(ok)

	time.Sleep(100 * time.Millisecond)
	ok, err = s.store.TryClaim(s.ctx, "c1", "w3", time.Minute)
	s.Require().NoError(err)
	s.True(ok, "expired lease can be taken over")
}
