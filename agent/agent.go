package agent

import (
	"context"
	"sync"

	"github.com/mohitkumar/dripflow/config"
	"github.com/mohitkumar/dripflow/container"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/rest"
	"github.com/mohitkumar/dripflow/tracking"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Agent struct {
	Config       config.Config
	diContainer  *container.DIContiner
	httpServer   *rest.Server
	natsConn     *nats.Conn
	consumer     *tracking.Consumer
	ctx          context.Context
	cancel       context.CancelFunc
	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

func New(config config.Config) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		Config:    config,
		ctx:       ctx,
		cancel:    cancel,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		a.setupLogger,
		a.setupContainer,
		a.setupTrackingConsumer,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			cancel()
			if a.diContainer != nil {
				_ = a.diContainer.Close(context.Background())
			}
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupLogger() error {
	return logger.Init(logger.Config{
		Level:  a.Config.LogConfig.Level,
		Format: a.Config.LogConfig.Format,
	})
}

func (a *Agent) setupContainer() error {
	a.diContainer = container.NewDiContainer()
	return a.diContainer.Init(a.ctx, a.Config)
}

func (a *Agent) setupTrackingConsumer() error {
	nc := a.Config.NatsConfig
	if len(nc.Url) == 0 {
		logger.Info("nats url not set, tracking consumer disabled")
		return nil
	}
	conf := tracking.Config{
		Url:         nc.Url,
		Subject:     nc.Subject,
		Queue:       nc.Queue,
		EncoderType: string(a.Config.EncoderDecoderType),
	}
	conn, err := tracking.Connect(conf)
	if err != nil {
		return err
	}
	a.natsConn = conn
	a.consumer, err = tracking.NewConsumer(conn, conf, a.diContainer.GetTrackingHandler())
	if err != nil {
		conn.Close()
		return err
	}
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, rest.Services{
		Flows:     a.diContainer.GetFlowService(),
		Contacts:  a.diContainer.GetContactService(),
		Errors:    a.diContainer.GetErrorService(),
		Scheduler: a.diContainer.GetScheduler(),
		Tracking:  a.diContainer.GetTrackingHandler(),
	})
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) Start() error {
	if !a.Config.SchedulerConfig.Disabled {
		if err := a.diContainer.GetScheduler().Start(a.ctx); err != nil {
			return err
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Start(a.ctx); err != nil {
			return err
		}
	}
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			if a.consumer != nil {
				a.consumer.Stop()
			}
			if a.natsConn != nil {
				a.natsConn.Close()
			}
			return nil
		},
		func() error {
			a.diContainer.GetScheduler().Stop()
			return nil
		},
		func() error {
			a.cancel()
			return a.diContainer.Close(context.Background())
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("all services stopped")
	_ = logger.Sync()
	return nil
}

// Done is closed once Shutdown has started.
func (a *Agent) Done() <-chan struct{} {
	return a.shutdowns
}
