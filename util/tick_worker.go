package util

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohitkumar/dripflow/logger"
	"go.uber.org/zap"
)

// TickWorker calls fn every interval until stopped. fn receives a context
// that is cancelled when the worker stops.
type TickWorker struct {
	stop         chan struct{}
	stopOnce     sync.Once
	tickInterval time.Duration
	wg           *sync.WaitGroup
	name         string
	fn           func(ctx context.Context)
	running      atomic.Bool
}

func NewTickWorker(name string, interval time.Duration, fn func(ctx context.Context), wg *sync.WaitGroup) *TickWorker {
	return &TickWorker{
		stop:         make(chan struct{}),
		tickInterval: interval,
		wg:           wg,
		fn:           fn,
		name:         name,
	}
}

func (tw *TickWorker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	ticker := time.NewTicker(tw.tickInterval)
	tw.running.Store(true)
	tw.wg.Add(1)
	go func() {
		defer tw.wg.Done()
		defer cancel()
		defer ticker.Stop()
		defer tw.running.Store(false)
		for {
			select {
			case <-ticker.C:
				tw.fn(ctx)
			case <-tw.stop:
				logger.Info("stopping tick worker", zap.String("worker", tw.name))
				return
			case <-ctx.Done():
				logger.Info("tick worker context done", zap.String("worker", tw.name))
				return
			}
		}
	}()
	logger.Info("tick worker started", zap.String("worker", tw.name), zap.Duration("interval", tw.tickInterval))
}

// Stop signals the loop to exit; a tick already running finishes first.
func (tw *TickWorker) Stop() {
	tw.stopOnce.Do(func() {
		close(tw.stop)
	})
}

func (tw *TickWorker) IsRunning() bool {
	return tw.running.Load()
}
