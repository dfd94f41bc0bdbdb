package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/dripflow/engine"
	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence"
	"github.com/mohitkumar/dripflow/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DEFAULT_TICK_INTERVAL = 15 * time.Minute
const DEFAULT_BATCH_SIZE = 500
const DEFAULT_CONCURRENCY = 8
const DEFAULT_LEASE_TTL = 5 * time.Minute

var ErrTickInProgress = errors.New("tick already in progress")
var ErrAlreadyStarted = errors.New("scheduler already started")

type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	LeaseTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DEFAULT_TICK_INTERVAL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DEFAULT_BATCH_SIZE
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DEFAULT_CONCURRENCY
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DEFAULT_LEASE_TTL
	}
	return c
}

// Scheduler drives the executor over due contacts on a fixed interval. A tick
// that fires while the previous one is still running is skipped.
type Scheduler struct {
	contacts persistence.ContactStore
	claimer  persistence.Claimer
	executor *engine.StepExecutor
	conf     Config
	now      func() time.Time

	ticking atomic.Bool
	mu      sync.Mutex
	worker  *util.TickWorker
	wg      sync.WaitGroup
}

func NewScheduler(contacts persistence.ContactStore, claimer persistence.Claimer, executor *engine.StepExecutor, conf Config, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		contacts: contacts,
		claimer:  claimer,
		executor: executor,
		conf:     conf.withDefaults(),
		now:      now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker != nil && s.worker.IsRunning() {
		return ErrAlreadyStarted
	}
	s.worker = util.NewTickWorker("scheduler", s.conf.Interval, s.tick, &s.wg)
	s.worker.Start(ctx)
	return nil
}

// Stop halts the ticker and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return
	}
	w.Stop()
	s.wg.Wait()
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker != nil && s.worker.IsRunning()
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.ProcessDueContacts(ctx)
	if errors.Is(err, ErrTickInProgress) {
		logger.Warn("previous tick still running, skipping", zap.String("worker", "scheduler"))
		return
	}
	if err != nil {
		logger.Error("tick failed", zap.String("worker", "scheduler"), zap.Error(err))
	}
}

// ProcessDueContacts runs one tick. It is also the manual trigger.
func (s *Scheduler) ProcessDueContacts(ctx context.Context) (model.TickReport, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		return model.TickReport{}, ErrTickInProgress
	}
	defer s.ticking.Store(false)

	started := s.now()
	report := model.TickReport{StartedAt: started}
	due, err := s.contacts.FindDue(ctx, started, s.conf.BatchSize)
	if err != nil {
		return report, err
	}
	report.Due = len(due)
	owner := uuid.NewString()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.conf.Concurrency)
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		contact := c
		g.Go(func() error {
			res, claimed := s.processContact(ctx, owner, contact)
			mu.Lock()
			defer mu.Unlock()
			if !claimed || res.Outcome == model.OUTCOME_SKIPPED {
				report.Skipped++
				return nil
			}
			report.Processed++
			if res.Migrated {
				report.Migrated++
			}
			switch res.Outcome {
			case model.OUTCOME_ERROR:
				report.Errored++
			case model.OUTCOME_TERMINATED:
				report.Terminated++
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Duration = s.now().Sub(started)
	logger.Info("tick finished", zap.String("worker", "scheduler"), zap.Int("due", report.Due),
		zap.Int("processed", report.Processed), zap.Int("migrated", report.Migrated), zap.Int("skipped", report.Skipped),
		zap.Int("errored", report.Errored), zap.Int("terminated", report.Terminated), zap.Duration("duration", report.Duration))
	return report, nil
}

// processContact claims the contact, re-reads it and executes it if it is
// still due. claimed is false when another worker holds the lease.
func (s *Scheduler) processContact(ctx context.Context, owner string, c *model.Contact) (res model.ExecutionResult, claimed bool) {
	ok, err := s.claimer.TryClaim(ctx, c.Id, owner, s.conf.LeaseTTL)
	if err != nil {
		logger.Warn("error claiming contact", zap.String("contactId", c.Id), zap.Error(err))
		return res, false
	}
	if !ok {
		logger.Debug("contact claimed elsewhere", zap.String("contactId", c.Id))
		return res, false
	}
	defer func() {
		if err := s.claimer.Release(context.WithoutCancel(ctx), c.Id, owner); err != nil {
			logger.Warn("error releasing contact", zap.String("contactId", c.Id), zap.Error(err))
		}
	}()
	fresh, err := s.contacts.GetContact(ctx, c.Id)
	if err != nil {
		logger.Warn("error reloading claimed contact", zap.String("contactId", c.Id), zap.Error(err))
		return res, false
	}
	if !fresh.IsDue(s.now()) {
		return model.ExecutionResult{ContactId: c.Id, FlowId: c.FlowId, Outcome: model.OUTCOME_SKIPPED}, true
	}
	return s.executor.Execute(ctx, fresh), true
}

// TestStep runs one step of fl against a synthetic contact without writing
// anything to storage.
func (s *Scheduler) TestStep(ctx context.Context, fl *flow.Flow, stepId string, synthetic *model.Contact) (model.ExecutionResult, error) {
	if synthetic == nil {
		synthetic = &model.Contact{}
	}
	if len(synthetic.Id) == 0 {
		synthetic = synthetic.Clone()
		synthetic.Id = "test-" + uuid.NewString()
	}
	return s.executor.DryRun(ctx, fl, stepId, synthetic)
}
