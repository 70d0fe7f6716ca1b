package dag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"covid19-pipeline/internal/components/assert"
	"covid19-pipeline/internal/components/chrono"
	"covid19-pipeline/internal/components/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("dag")

const (
	report_executor_task = "executor.task"
)

type State string

const (
	StatePending        State = "pending"
	StateSuccess        State = "success"
	StateFailed         State = "failed"
	StateUpstreamFailed State = "upstream_failed"
	StateSkipped        State = "skipped"
	StateCancelled      State = "cancelled"
)

// Terminal reports whether a task in this state will not change state anymore.
func (s State) Terminal() bool {
	return s != StatePending
}

type TaskResult struct {
	Id    string
	State State
	Err   error
	Start time.Time
	End   time.Time
}

type Result struct {
	GraphId string
	Start   time.Time
	End     time.Time
	// Tasks are in topological order.
	Tasks []TaskResult
}

// Task returns the result of a single task.
func (r Result) Task(id string) (TaskResult, bool) {
	for _, t := range r.Tasks {
		if t.Id == id {
			return t, true
		}
	}
	return TaskResult{}, false
}

// Succeeded is true when every task succeeded or was deliberately skipped.
func (r Result) Succeeded() bool {
	for _, t := range r.Tasks {
		if t.State != StateSuccess && t.State != StateSkipped {
			return false
		}
	}
	return true
}

// Err joins the errors of every failed task, it is nil when no task failed.
func (r Result) Err() error {
	var errs []error
	for _, t := range r.Tasks {
		if t.State == StateFailed {
			errs = append(errs, fmt.Errorf("task %s: %w", t.Id, t.Err))
		}
	}
	return errors.Join(errs...)
}

type ExecutorOptions struct {
	// MaxParallel bounds how many tasks run at once, zero means unbounded.
	MaxParallel int
	// OnTaskStart and OnTaskDone are called from the goroutine driving the run, never
	// concurrently with each other.
	OnTaskStart func(id string, start time.Time)
	OnTaskDone  func(result TaskResult)
}

type Executor struct {
	opts ExecutorOptions
	time chrono.TimeAPI
	tel  telemetry.API
}

func NewExecutor(opts ExecutorOptions, time chrono.TimeAPI, tel telemetry.API) Executor {
	assert.NotNil(time)
	assert.NotNil(tel)

	return Executor{
		opts: opts,
		time: time,
		tel:  telemetry.NewScopedAPI("dag", tel),
	}
}

// Run executes the graph to completion. A failed task never stops unrelated tasks, it only
// turns its on-success dependents into upstream_failed. The returned error is only non-nil
// when the graph is invalid, task failures are reported through Result.
func (e Executor) Run(ctx context.Context, g *Graph) (Result, error) {
	order, err := g.Order()
	if err != nil {
		return Result{}, err
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("dag:%s", g.Id))
	defer span.End()

	results := make(map[string]*TaskResult, len(order))
	for _, id := range order {
		results[id] = &TaskResult{Id: id, State: StatePending}
	}
	upstream := make(map[string][]Edge, len(order))
	for _, id := range order {
		upstream[id] = g.Upstream(id)
	}

	done := make(chan TaskResult, len(order))
	var group errgroup.Group
	if e.opts.MaxParallel > 0 {
		group.SetLimit(e.opts.MaxParallel)
	}

	start := e.time.Now()
	launched := make(map[string]bool, len(order))
	running := 0
	pending := len(order)

	finish := func(r TaskResult) {
		*results[r.Id] = r
		pending--
		if e.opts.OnTaskDone != nil {
			e.opts.OnTaskDone(r)
		}
	}

	for {
		// settling a task without running it can unblock others, so repeat until stable
		for changed := true; changed; {
			changed = false
			for _, id := range order {
				if results[id].State != StatePending || launched[id] {
					continue
				}

				ready, blocked := e.evaluate(upstream[id], results)
				if !ready {
					continue
				}
				now := e.time.Now()
				if blocked != "" {
					finish(TaskResult{Id: id, State: blocked, Start: now, End: now})
					e.tel.ReportDebug("task not run", id, blocked)
					changed = true
					continue
				}
				if ctx.Err() != nil {
					finish(TaskResult{Id: id, State: StateCancelled, Err: ctx.Err(), Start: now, End: now})
					changed = true
					continue
				}

				task, _ := g.Task(id)
				launched[id] = true
				running++
				if e.opts.OnTaskStart != nil {
					e.opts.OnTaskStart(id, now)
				}
				group.Go(func() error {
					done <- e.runTask(ctx, task, now)
					return nil
				})
			}
		}

		if running == 0 {
			break
		}
		r := <-done
		running--
		finish(r)
	}
	group.Wait()

	result := Result{
		GraphId: g.Id,
		Start:   start,
		End:     e.time.Now(),
		Tasks:   make([]TaskResult, len(order)),
	}
	for i, id := range order {
		result.Tasks[i] = *results[id]
	}

	if pending != 0 {
		// unreachable on a validated graph
		panic(fmt.Sprintf("dag %s: %d tasks never settled", g.Id, pending))
	}
	if !result.Succeeded() {
		span.SetStatus(codes.Error, "graph run failed")
	} else {
		span.SetStatus(codes.Ok, "graph run succeeded")
	}
	return result, nil
}

// evaluate decides whether a task can be settled. `ready` is false while any upstream task is
// still pending, `blocked` is the state to settle the task in without running it, or empty
// when the task should run.
func (e Executor) evaluate(edges []Edge, results map[string]*TaskResult) (ready bool, blocked State) {
	failed := false
	cancelled := false
	unsatisfied := false
	for _, edge := range edges {
		state := results[edge.From].State
		if !state.Terminal() {
			return false, ""
		}
		failedLike := state == StateFailed || state == StateUpstreamFailed
		failed = failed || failedLike
		cancelled = cancelled || state == StateCancelled

		switch edge.Trigger {
		case OnSuccess:
			unsatisfied = unsatisfied || state != StateSuccess
		case OnFailure:
			unsatisfied = unsatisfied || !failedLike
		case OnDone:
		}
	}

	switch {
	case !unsatisfied:
		return true, ""
	case failed:
		return true, StateUpstreamFailed
	case cancelled:
		return true, StateCancelled
	default:
		return true, StateSkipped
	}
}

func (e Executor) runTask(ctx context.Context, task Task, start time.Time) (result TaskResult) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("task:%s", task.Id))
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.Id))

	result = TaskResult{Id: task.Id, Start: start}
	defer func() {
		if r := recover(); r != nil {
			result.State = StateFailed
			result.Err = fmt.Errorf("panic: %v", r)
			result.End = e.time.Now()
			e.tel.ReportBroken(report_executor_task, result.Err, task.Id)
			span.SetStatus(codes.Error, "task panicked")
		}
	}()

	e.tel.ReportDebug("task started", task.Id)
	err := task.Run(ctx)
	result.End = e.time.Now()

	switch {
	case err == nil:
		result.State = StateSuccess
		span.SetStatus(codes.Ok, "task succeeded")
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		result.State = StateCancelled
		result.Err = err
		span.SetStatus(codes.Error, "task cancelled")
	default:
		result.State = StateFailed
		result.Err = err
		e.tel.ReportBroken(report_executor_task, err, task.Id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
	}
	e.tel.ReportDebug("task finished", task.Id, string(result.State))
	return result
}
