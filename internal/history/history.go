// Package history keeps a local ledger of pipeline runs and the outcome of each task.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"covid19-pipeline/internal/components/assert"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/dag"
)

const (
	report_db_query = "db.query"
)

const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// Origin of a run.
const (
	OriginSchedule = "schedule"
	OriginManual   = "manual"
)

type TaskRun struct {
	TaskId     string
	State      dag.State
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

type Run struct {
	Id         int64
	GraphId    string
	Origin     string
	State      string
	StartedAt  time.Time
	FinishedAt time.Time
	Tasks      []TaskRun
}

type Store struct {
	db  *sql.DB
	tel telemetry.API
}

func NewStore(db *sql.DB, tel telemetry.API) Store {
	assert.NotNil(db)
	assert.NotNil(tel)

	return Store{
		db:  db,
		tel: telemetry.NewScopedAPI("history", tel),
	}
}

func unixOrNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}

// StartRun inserts a run in the running state and returns its id.
func (s Store) StartRun(ctx context.Context, graphId, origin string, start time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		"insert into run(graph_id, origin, started_at, state) values (?, ?, ?, ?)",
		graphId, origin, start.Unix(), RunRunning,
	)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "StartRun", graphId)
		return 0, err
	}
	return res.LastInsertId()
}

// RecordTask stores (or replaces) the outcome of a task within a run.
func (s Store) RecordTask(ctx context.Context, runId int64, result dag.TaskResult) error {
	var errText sql.NullString
	if result.Err != nil {
		errText = sql.NullString{String: result.Err.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(
		ctx,
		`insert into task_run(run_id, task_id, state, started_at, finished_at, error)
		values (?, ?, ?, ?, ?, ?)
		on conflict(run_id, task_id) do update set
			state = excluded.state,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			error = excluded.error`,
		runId, result.Id, string(result.State), result.Start.Unix(), unixOrNull(result.End), errText,
	)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "RecordTask", runId, result.Id)
		return err
	}
	return nil
}

// FinishRun settles a run.
func (s Store) FinishRun(ctx context.Context, runId int64, state string, end time.Time) error {
	res, err := s.db.ExecContext(
		ctx,
		"update run set state = ?, finished_at = ? where id = ?",
		state, end.Unix(), runId,
	)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "FinishRun", runId)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("run %d does not exist", runId)
	}
	return nil
}

// Recent returns the latest `limit` runs of a graph, newest first, with their tasks.
func (s Store) Recent(ctx context.Context, graphId string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select id, graph_id, origin, state, started_at, finished_at from run
		where graph_id = ?
		order by started_at desc, id desc
		limit ?`,
		graphId, limit,
	)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "Recent", graphId)
		return nil, err
	}

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		err = rows.Scan(&r.Id, &r.GraphId, &r.Origin, &r.State, &started, &finished)
		if err != nil {
			rows.Close()
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0)
		r.FinishedAt = fromUnix(finished)
		runs = append(runs, r)
	}
	err = rows.Close()
	if err != nil {
		return nil, err
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		runs[i].Tasks, err = s.tasks(ctx, runs[i].Id)
		if err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s Store) tasks(ctx context.Context, runId int64) ([]TaskRun, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select task_id, state, started_at, finished_at, error from task_run
		where run_id = ?
		order by started_at, rowid`,
		runId,
	)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "tasks", runId)
		return nil, err
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var t TaskRun
		var state string
		var started int64
		var finished sql.NullInt64
		var errText sql.NullString
		err = rows.Scan(&t.TaskId, &state, &started, &finished, &errText)
		if err != nil {
			return nil, err
		}
		t.State = dag.State(state)
		t.StartedAt = time.Unix(started, 0)
		t.FinishedAt = fromUnix(finished)
		t.Error = errText.String
		out = append(out, t)
	}
	return out, rows.Err()
}
