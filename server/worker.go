package server

import (
	"errors"
	"fmt"

	"github.com/chazu/loom/pkg/engine"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("engine worker stopped")

// ErrEnginePanic wraps a panic recovered from engine code. Panics report
// defects, not bad input; handlers map them to internal errors.
var ErrEnginePanic = errors.New("engine panic")

// engineRequest is one unit of work for the engine goroutine.
type engineRequest struct {
	fn   func(*engine.Engine) (interface{}, error)
	done chan engineResult
}

type engineResult struct {
	value interface{}
	err   error
}

// EngineWorker funnels engine access through a single goroutine. The
// engine is safe for concurrent use on its own; the worker bounds the
// server to one specialization or execution at a time and fences defect
// panics away from the process.
type EngineWorker struct {
	eng      *engine.Engine
	requests chan engineRequest
	quit     chan struct{}
}

// NewEngineWorker creates an EngineWorker and starts the processing
// goroutine.
func NewEngineWorker(eng *engine.Engine) *EngineWorker {
	w := &EngineWorker{
		eng:      eng,
		requests: make(chan engineRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *EngineWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function against the engine, recovering panics.
func (w *EngineWorker) execute(fn func(*engine.Engine) (interface{}, error)) engineResult {
	var result engineResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%w: %v", ErrEnginePanic, r)
			}
		}()
		result.value, result.err = fn(w.eng)
	}()
	return result
}

// Do submits a function for execution on the engine goroutine and blocks
// until it completes or the worker stops.
func (w *EngineWorker) Do(fn func(*engine.Engine) (interface{}, error)) (interface{}, error) {
	select {
	case <-w.quit:
		return nil, ErrWorkerStopped
	default:
	}

	req := engineRequest{
		fn:   fn,
		done: make(chan engineResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
}

// Stop shuts down the worker goroutine.
func (w *EngineWorker) Stop() {
	close(w.quit)
}

// Engine returns the wrapped engine.
func (w *EngineWorker) Engine() *engine.Engine {
	return w.eng
}
