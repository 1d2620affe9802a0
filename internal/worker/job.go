package worker

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDispatcherBusy is returned when the job queue is full.
	ErrDispatcherBusy = errors.New("dispatcher busy")
	// ErrJobCancelled is delivered to jobs dropped from a queue before running.
	ErrJobCancelled = errors.New("job cancelled")
	ErrStopped      = errors.New("dispatcher stopped")
)

// Result is the completion signal of a job.
type Result struct {
	Value any
	Err   error
}

// Job is a unit of blocking work. Jobs sharing a Key run in submission order
// and different keys are served round-robin.
type Job struct {
	Key  string
	Name string
	Run  func(ctx context.Context) (any, error)

	ctx    context.Context
	result chan Result
	stop   bool
}

func (j Job) execute() {
	var res Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = Result{Err: fmt.Errorf("job %s panicked: %v", j.Name, r)}
			}
		}()
		res.Value, res.Err = j.Run(j.ctx)
	}()
	j.result <- res
}

func (j Job) fail(err error) {
	j.result <- Result{Err: err}
}

// Do submits fn and waits for its completion. If ctx ends first the job keeps
// running to completion and ctx.Err() is returned.
func Do[T any](ctx context.Context, d *Dispatcher, jobCtx context.Context, key, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	done, err := d.Submit(jobCtx, key, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	select {
	case res := <-done:
		if res.Err != nil {
			if v, ok := res.Value.(T); ok {
				return v, res.Err
			}
			return zero, res.Err
		}
		v, _ := res.Value.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
