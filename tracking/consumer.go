package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DEFAULT_SUBJECT = "dripflow.tracking"
const DEFAULT_QUEUE = "dripflow"

type Config struct {
	Url          string
	Subject      string
	Queue        string
	EncoderType  string
	BufferSize   int
	ClientName   string
	DrainTimeout time.Duration
}

func Connect(conf Config) (*nats.Conn, error) {
	name := conf.ClientName
	if len(name) == 0 {
		name = "dripflow"
	}
	nc, err := nats.Connect(conf.Url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to nats at %s: %w", conf.Url, err)
	}
	return nc, nil
}

func NewCodec(encoderType string) (util.EncoderDecoder[TrackingEvent], error) {
	switch encoderType {
	case "", "json":
		return util.NewJsonEncoderDecoder[TrackingEvent](), nil
	case "msgpack":
		return util.NewMsgpackEncoderDecoder[TrackingEvent](), nil
	}
	return nil, fmt.Errorf("unknown encoder-decoder %q", encoderType)
}

// Consumer subscribes to tracking events and applies them on a worker so the
// NATS delivery goroutine never waits on storage.
type Consumer struct {
	conn    *nats.Conn
	conf    Config
	codec   util.EncoderDecoder[TrackingEvent]
	handler *Handler
	worker  *util.Worker[TrackingEvent]
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewConsumer(conn *nats.Conn, conf Config, handler *Handler) (*Consumer, error) {
	if len(conf.Subject) == 0 {
		conf.Subject = DEFAULT_SUBJECT
	}
	if len(conf.Queue) == 0 {
		conf.Queue = DEFAULT_QUEUE
	}
	if conf.BufferSize <= 0 {
		conf.BufferSize = 1024
	}
	codec, err := NewCodec(conf.EncoderType)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		conn:    conn,
		conf:    conf,
		codec:   codec,
		handler: handler,
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.worker = util.NewWorker("tracking", &c.wg, func(ev TrackingEvent) error {
		return c.handler.Apply(c.ctx, ev)
	}, c.conf.BufferSize)
	c.worker.Start()
	if c.conn == nil {
		return nil
	}
	sub, err := c.conn.QueueSubscribe(c.conf.Subject, c.conf.Queue, c.onMessage)
	if err != nil {
		c.worker.Stop()
		return fmt.Errorf("error subscribing to %s: %w", c.conf.Subject, err)
	}
	c.sub = sub
	logger.Info("tracking consumer started", zap.String("subject", c.conf.Subject), zap.String("queue", c.conf.Queue))
	return nil
}

func (c *Consumer) onMessage(msg *nats.Msg) {
	ev, err := c.codec.Decode(msg.Data)
	if err != nil {
		logger.Error("error decoding tracking event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := c.worker.Submit(c.ctx, *ev); err != nil {
		logger.Warn("tracking event dropped", zap.String("contactId", ev.ContactId), zap.Error(err))
	}
}

func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			logger.Warn("error draining tracking subscription", zap.Error(err))
		}
	}
	if c.worker != nil {
		c.worker.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	logger.Info("tracking consumer stopped")
}
