package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/dripflow/cache"
	"github.com/mohitkumar/dripflow/delivery"
	"github.com/mohitkumar/dripflow/engine"
	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence/memory"
	"github.com/mohitkumar/dripflow/service"
	"github.com/stretchr/testify/require"
)

type sender struct {
	mu      sync.Mutex
	sent    []string
	panicOn string
	block   chan struct{}
	entered chan struct{}
}

func (s *sender) Send(ctx context.Context, email delivery.Email) (delivery.Receipt, error) {
	if s.block != nil {
		s.entered <- struct{}{}
		<-s.block
	}
	if email.To == s.panicOn {
		panic("renderer crashed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, email.To)
	return delivery.Receipt{MessageId: uuid.NewString()}, nil
}

func (s *sender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// failingStore rejects writes for one contact to simulate a storage fault.
type failingStore struct {
	*memory.Store
	contactId string
}

func (f *failingStore) UpdateContact(ctx context.Context, contactId string, upd *model.ContactUpdate) error {
	if contactId == f.contactId {
		return errors.New("write conflict")
	}
	return f.Store.UpdateContact(ctx, contactId, upd)
}

type fixture struct {
	store     *memory.Store
	sender    *sender
	scheduler *Scheduler
	flow      *model.Flow
}

func newFixture(t *testing.T, contacts *failingStore, conf Config) *fixture {
	t.Helper()
	store := contacts.Store
	f := &fixture{store: store, sender: &sender{}}
	errSvc := service.NewErrorService(store, contacts, nil)
	exec := engine.NewStepExecutor(engine.Dependencies{
		Flows:     cache.NewFlowCache(store, time.Minute),
		FlowStore: store,
		Contacts:  contacts,
		Errors:    errSvc,
		Email:     f.sender,
		Webhook:   delivery.NewHTTPWebhookCaller(),
	}, engine.DefaultConfig())
	f.scheduler = NewScheduler(contacts, store, exec, conf, nil)
	f.flow = &model.Flow{
		Id:       uuid.NewString(),
		Name:     "welcome",
		IsActive: true,
		Steps: []model.Step{
			{Id: "hello", Type: model.STEP_TYPE_EMAIL, Order: 0, Subject: "Welcome", NextSteps: model.NextSteps{Default: "wait"}},
			{Id: "wait", Type: model.STEP_TYPE_DELAY, Order: 1, DelayDays: 2, NextSteps: model.NextSteps{Default: model.EXIT_STEP}},
		},
	}
	require.NoError(t, store.CreateFlow(context.Background(), f.flow))
	return f
}

func (f *fixture) enroll(t *testing.T, email string) *model.Contact {
	t.Helper()
	c, err := service.NewEnrollment(flow.Convert(f.flow), model.ContactRequest{Email: email}, time.Now().Add(-time.Minute), "test")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateContact(context.Background(), c))
	return c
}

func TestProcessDueContacts(t *testing.T) {
	f := newFixture(t, &failingStore{Store: memory.NewStore()}, Config{Concurrency: 2})
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		f.enroll(t, email)
	}
	later := f.enroll(t, "later@example.com")
	future := time.Now().Add(time.Hour)
	require.NoError(t, f.store.UpdateContact(context.Background(), later.Id, (&model.ContactUpdate{}).ScheduleAt(future)))

	report, err := f.scheduler.ProcessDueContacts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Due)
	require.Equal(t, 3, report.Processed)
	require.Equal(t, 0, report.Errored)
	require.Equal(t, 3, f.sender.count())

	report, err = f.scheduler.ProcessDueContacts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.Due, "contacts are waiting on the delay")
}

func TestInactiveFlowDoesNotStarveBatch(t *testing.T) {
	f := newFixture(t, &failingStore{Store: memory.NewStore()}, Config{BatchSize: 2})
	draft := &model.Flow{
		Id:       uuid.NewString(),
		Name:     "draft",
		IsActive: true,
		Steps:    f.flow.Steps,
	}
	require.NoError(t, f.store.CreateFlow(context.Background(), draft))
	var stuck []*model.Contact
	for _, email := range []string{"d1@example.com", "d2@example.com"} {
		c, err := service.NewEnrollment(flow.Convert(draft), model.ContactRequest{Email: email}, time.Now().Add(-time.Hour), "test")
		require.NoError(t, err)
		require.NoError(t, f.store.CreateContact(context.Background(), c))
		stuck = append(stuck, c)
	}
	require.NoError(t, f.store.SetFlowActive(context.Background(), draft.Id, false))
	f.enroll(t, "live@example.com")

	for i := 0; i < 3; i++ {
		_, err := f.scheduler.ProcessDueContacts(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.sender.count())
	for _, c := range stuck {
		got, err := f.store.GetContact(context.Background(), c.Id)
		require.NoError(t, err)
		require.Equal(t, model.CONTACT_PAUSED, got.Status)
		require.Equal(t, "hello", got.CurrentStepId)
	}
}

func TestFailingContactsDoNotAbortTick(t *testing.T) {
	contacts := &failingStore{Store: memory.NewStore()}
	f := newFixture(t, contacts, Config{Concurrency: 4})
	f.sender.panicOn = "k@example.com"
	panicking := f.enroll(t, "k@example.com")
	broken := f.enroll(t, "broken@example.com")
	contacts.contactId = broken.Id
	var healthy []*model.Contact
	for _, email := range []string{"x@example.com", "y@example.com", "z@example.com"} {
		healthy = append(healthy, f.enroll(t, email))
	}

	report, err := f.scheduler.ProcessDueContacts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, report.Due)
	require.Equal(t, 2, report.Errored)

	got, err := f.store.GetContact(context.Background(), panicking.Id)
	require.NoError(t, err)
	require.Equal(t, model.CONTACT_ERROR, got.Status)
	require.Equal(t, model.ERROR_EXECUTION, got.LastError.ErrorType)

	for _, c := range healthy {
		got, err := f.store.GetContact(context.Background(), c.Id)
		require.NoError(t, err)
		require.Equal(t, "wait", got.CurrentStepId)
		require.Equal(t, model.CONTACT_ACTIVE, got.Status)
	}
}

func TestClaimedContactsAreSkipped(t *testing.T) {
	f := newFixture(t, &failingStore{Store: memory.NewStore()}, Config{})
	held := f.enroll(t, "held@example.com")
	f.enroll(t, "free@example.com")
	ok, err := f.store.TryClaim(context.Background(), held.Id, "another-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.scheduler.ProcessDueContacts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, []string{"free@example.com"}, f.sender.sent)
}

func TestOverlappingTickIsRejected(t *testing.T) {
	f := newFixture(t, &failingStore{Store: memory.NewStore()}, Config{})
	f.sender.block = make(chan struct{})
	f.sender.entered = make(chan struct{}, 1)
	f.enroll(t, "slow@example.com")

	done := make(chan model.TickReport)
	go func() {
		report, _ := f.scheduler.ProcessDueContacts(context.Background())
		done <- report
	}()
	<-f.sender.entered

	_, err := f.scheduler.ProcessDueContacts(context.Background())
	require.ErrorIs(t, err, ErrTickInProgress)

	close(f.sender.block)
	report := <-done
	require.Equal(t, 1, report.Processed)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, &failingStore{Store: memory.NewStore()}, Config{Interval: 10 * time.Millisecond})
	f.enroll(t, "ticker@example.com")

	require.NoError(t, f.scheduler.Start(context.Background()))
	require.ErrorIs(t, f.scheduler.Start(context.Background()), ErrAlreadyStarted)
	require.Eventually(t, func() bool { return f.sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.scheduler.Stop()
	require.False(t, f.scheduler.IsRunning())
}

func TestTestStepPersistsNothing(t *testing.T) {
	f := newFixture(t, &failingStore{Store: memory.NewStore()}, Config{})
	res, err := f.scheduler.TestStep(context.Background(), flow.Convert(f.flow), "hello", &model.Contact{Email: "dry@example.com"})
	require.NoError(t, err)
	require.Equal(t, "wait", res.CurrentStepId)
	require.Equal(t, []string{"dry@example.com"}, f.sender.sent)

	n, err := f.store.CountContacts(context.Background(), model.ContactFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}
