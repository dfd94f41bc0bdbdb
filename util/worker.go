package util

import (
	"context"
	"errors"
	"sync"

	"github.com/mohitkumar/dripflow/logger"
	"go.uber.org/zap"
)

var ErrWorkerStopped = errors.New("worker stopped")

// Worker drains a buffered channel on one goroutine, handing each item to
// handler. Handler errors are logged and do not stop the worker. Items queued
// before Stop are still handled.
type Worker[T any] struct {
	name     string
	stop     chan struct{}
	stopOnce sync.Once
	wg       *sync.WaitGroup
	handler  func(T) error
	items    chan T
}

func NewWorker[T any](name string, wg *sync.WaitGroup, handler func(T) error, capacity int) *Worker[T] {
	return &Worker[T]{
		items:   make(chan T, capacity),
		name:    name,
		wg:      wg,
		stop:    make(chan struct{}),
		handler: handler,
	}
}

func (w *Worker[T]) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case item := <-w.items:
				w.handle(item)
			case <-w.stop:
				logger.Info("stopping worker", zap.String("worker", w.name), zap.Int("drained", w.drain()))
				return
			}
		}
	}()
}

// drain handles whatever is still buffered once Stop is called.
func (w *Worker[T]) drain() int {
	n := 0
	for {
		select {
		case item := <-w.items:
			w.handle(item)
			n++
		default:
			return n
		}
	}
}

func (w *Worker[T]) handle(item T) {
	if err := w.handler(item); err != nil {
		logger.Error("error handling item in worker", zap.String("worker", w.name), zap.Any("item", item), zap.Error(err))
	}
}

// Submit blocks until the item is queued, ctx is done or the worker stops.
func (w *Worker[T]) Submit(ctx context.Context, item T) error {
	select {
	case <-w.stop:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.items <- item:
		return nil
	case <-w.stop:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker[T]) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}
