package container

import (
	"context"
	"fmt"

	"github.com/mohitkumar/dripflow/analytics"
	"github.com/mohitkumar/dripflow/cache"
	"github.com/mohitkumar/dripflow/config"
	"github.com/mohitkumar/dripflow/delivery"
	"github.com/mohitkumar/dripflow/engine"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/persistence"
	"github.com/mohitkumar/dripflow/persistence/memory"
	mg "github.com/mohitkumar/dripflow/persistence/mongo"
	rd "github.com/mohitkumar/dripflow/persistence/redis"
	"github.com/mohitkumar/dripflow/scheduler"
	"github.com/mohitkumar/dripflow/service"
	"github.com/mohitkumar/dripflow/tracking"
	"go.uber.org/zap"
)

type leaseStore interface {
	persistence.Claimer
	Ping(ctx context.Context) error
	Close() error
}

type DIContiner struct {
	initialized     bool
	storage         persistence.Storage
	lease           leaseStore
	flowCache       *cache.FlowCache
	collector       analytics.StepDataCollector
	flowService     *service.FlowService
	contactService  *service.ContactService
	errorService    *service.ErrorService
	executor        *engine.StepExecutor
	scheduler       *scheduler.Scheduler
	trackingHandler *tracking.Handler
	Email           delivery.EmailSender
	Webhook         delivery.WebhookCaller
}

func (d *DIContiner) setInitialized() {
	d.initialized = true
}

func NewDiContainer() *DIContiner {
	return &DIContiner{
		initialized: false,
		Email:       delivery.NewLogEmailSender(),
		Webhook:     delivery.NewHTTPWebhookCaller(),
	}
}

func (d *DIContiner) Init(ctx context.Context, conf config.Config) error {
	switch conf.StorageType {
	case config.STORAGE_TYPE_MONGO:
		client, err := mg.Connect(ctx, conf.MongoConfig.Uri)
		if err != nil {
			return err
		}
		store := mg.NewStore(client, conf.MongoConfig.Database)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close(context.Background())
			return fmt.Errorf("error creating mongo indexes: %w", err)
		}
		d.storage = store
	case config.STORAGE_TYPE_INMEM, "":
		d.storage = memory.NewStore()
	default:
		return fmt.Errorf("unknown storage type %s", conf.StorageType)
	}
	logger.Info("storage initialized", zap.String("type", string(conf.StorageType)))

	var claimer persistence.Claimer = d.storage
	if conf.RedisConfig.Enabled() {
		d.lease = rd.NewRedisLeaseStore(rd.Config{
			Addrs:     conf.RedisConfig.Addrs,
			Namespace: conf.RedisConfig.Namespace,
			Password:  conf.RedisConfig.Password,
		})
		if err := d.lease.Ping(ctx); err != nil {
			return fmt.Errorf("error connecting to redis: %w", err)
		}
		claimer = d.lease
		logger.Info("redis claim lease enabled", zap.Strings("addrs", conf.RedisConfig.Addrs))
	}

	collector, err := analytics.NewDataCollector(ctx, conf.AnalyticsConfig)
	if err != nil {
		return err
	}
	d.collector = collector

	d.flowCache = cache.NewFlowCache(d.storage, conf.FlowCacheTTL)
	d.errorService = service.NewErrorService(d.storage, d.storage, nil)
	d.flowService = service.NewFlowService(d.storage, d.storage, d.flowCache, nil)
	d.contactService = service.NewContactService(d.storage, d.storage, d.errorService, nil)
	d.trackingHandler = tracking.NewHandler(d.contactService, nil)

	ec := conf.ExecutorConfig
	d.executor = engine.NewStepExecutor(engine.Dependencies{
		Flows:     d.flowCache,
		FlowStore: d.storage,
		Contacts:  d.storage,
		Errors:    d.errorService,
		Email:     d.Email,
		Webhook:   d.Webhook,
		Collector: d.collector,
	}, engine.Config{
		Policy: engine.Policy{
			ContinueOnTransientEmailFailure: ec.ContinueOnTransientEmailFailure,
			ContinueOnWebhookFailure:        ec.ContinueOnWebhookFailure,
			ContinueOnActionFailure:         ec.ContinueOnActionFailure,
		},
		MaxStepsPerRun: ec.MaxStepsPerRun,
		WebhookTimeout: ec.WebhookTimeout,
	})
	sc := conf.SchedulerConfig
	d.scheduler = scheduler.NewScheduler(d.storage, claimer, d.executor, scheduler.Config{
		Interval:    sc.TickInterval,
		BatchSize:   sc.BatchSize,
		Concurrency: sc.Concurrency,
		LeaseTTL:    sc.LeaseTTL,
	}, nil)
	d.setInitialized()
	return nil
}

// Close releases the storage, lease and analytics connections.
func (d *DIContiner) Close(ctx context.Context) error {
	if !d.initialized {
		return nil
	}
	if err := d.collector.Close(); err != nil {
		logger.Error("error closing analytics collector", zap.Error(err))
	}
	if d.lease != nil {
		if err := d.lease.Close(); err != nil {
			logger.Error("error closing redis lease", zap.Error(err))
		}
	}
	return d.storage.Close(ctx)
}

func (d *DIContiner) mustBeInitialized() {
	if !d.initialized {
		panic("container not initialized")
	}
}

func (d *DIContiner) GetStorage() persistence.Storage {
	d.mustBeInitialized()
	return d.storage
}

func (d *DIContiner) GetFlowService() *service.FlowService {
	d.mustBeInitialized()
	return d.flowService
}

func (d *DIContiner) GetContactService() *service.ContactService {
	d.mustBeInitialized()
	return d.contactService
}

func (d *DIContiner) GetErrorService() *service.ErrorService {
	d.mustBeInitialized()
	return d.errorService
}

func (d *DIContiner) GetScheduler() *scheduler.Scheduler {
	d.mustBeInitialized()
	return d.scheduler
}

func (d *DIContiner) GetTrackingHandler() *tracking.Handler {
	d.mustBeInitialized()
	return d.trackingHandler
}
