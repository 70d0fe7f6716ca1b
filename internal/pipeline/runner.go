package pipeline

import (
	"context"
	"errors"
	"time"

	"covid19-pipeline/internal/components/assert"
	"covid19-pipeline/internal/components/chrono"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/dag"
	"covid19-pipeline/internal/history"
)

const (
	report_history_write = "history.write"
	report_run_failed    = "run.failed"
	report_schedule_run  = "schedule.run"
)

// ErrRunCancelled is reported for a run that stopped before any task failed.
var ErrRunCancelled = errors.New("run cancelled")

// Ledger is implemented by history.Store.
type Ledger interface {
	StartRun(ctx context.Context, graphId, origin string, start time.Time) (int64, error)
	RecordTask(ctx context.Context, runId int64, result dag.TaskResult) error
	FinishRun(ctx context.Context, runId int64, state string, end time.Time) error
}

type RunnerOptions struct {
	MaxParallel int
	// Ledger is optional, runs are not recorded when it is nil.
	Ledger Ledger
}

// Runner executes graphs and records every run to the ledger.
type Runner struct {
	opts RunnerOptions
	time chrono.TimeAPI
	tel  telemetry.API
	// unscoped, handed to the executor
	base telemetry.API
}

func NewRunner(opts RunnerOptions, time chrono.TimeAPI, tel telemetry.API) Runner {
	assert.NotNil(time)
	assert.NotNil(tel)

	return Runner{
		opts: opts,
		time: time,
		tel:  telemetry.NewScopedAPI("pipeline", tel),
		base: tel,
	}
}

// Run executes g once. History failures are reported but never fail the run.
func (r Runner) Run(ctx context.Context, g *dag.Graph, origin string) (dag.Result, error) {
	// a cancelled run should still be recorded
	historyCtx := context.WithoutCancel(ctx)

	runId := int64(-1)
	if r.opts.Ledger != nil {
		id, err := r.opts.Ledger.StartRun(historyCtx, g.Id, origin, r.time.Now())
		if err != nil {
			r.tel.ReportBroken(report_history_write, err, "start", g.Id)
		} else {
			runId = id
		}
	}
	recording := runId >= 0

	executor := dag.NewExecutor(dag.ExecutorOptions{
		MaxParallel: r.opts.MaxParallel,
		OnTaskStart: func(id string, start time.Time) {
			if !recording {
				return
			}
			err := r.opts.Ledger.RecordTask(historyCtx, runId, dag.TaskResult{
				Id:    id,
				State: dag.StatePending,
				Start: start,
			})
			if err != nil {
				r.tel.ReportBroken(report_history_write, err, "task", id)
			}
		},
		OnTaskDone: func(result dag.TaskResult) {
			if !recording {
				return
			}
			err := r.opts.Ledger.RecordTask(historyCtx, runId, result)
			if err != nil {
				r.tel.ReportBroken(report_history_write, err, "task", result.Id)
			}
		},
	}, r.time, r.base)

	result, err := executor.Run(ctx, g)
	if err != nil {
		r.finish(historyCtx, runId, history.RunFailed, r.time.Now(), g.Id)
		return dag.Result{}, err
	}

	state := history.RunSuccess
	if !result.Succeeded() {
		state = history.RunFailed
		runErr := result.Err()
		if runErr == nil {
			runErr = ErrRunCancelled
		}
		r.tel.ReportBroken(report_run_failed, runErr, g.Id)
	}
	r.finish(historyCtx, runId, state, result.End, g.Id)
	return result, nil
}

func (r Runner) finish(ctx context.Context, runId int64, state string, end time.Time, graphId string) {
	if runId < 0 {
		return
	}
	err := r.opts.Ledger.FinishRun(ctx, runId, state, end)
	if err != nil {
		r.tel.ReportBroken(report_history_write, err, "finish", graphId)
	}
}

// Schedule registers g on its cron schedule. Every tick runs the graph to completion,
// ticks that arrive while a run is still in progress are skipped by the cron.
func (r Runner) Schedule(ctx context.Context, cron chrono.CronAPI, g *dag.Graph) error {
	return cron.Cron(g.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		result, err := r.Run(ctx, g, history.OriginSchedule)
		if err != nil {
			r.tel.ReportBroken(report_schedule_run, err, g.Id)
			return
		}
		r.tel.ReportDebug("scheduled run finished", g.Id, result.Succeeded())
	})
}
