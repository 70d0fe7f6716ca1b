package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"covid19-pipeline/internal/components/sqliteutil"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/dag"
	"covid19-pipeline/internal/history/db"

	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	sqlite, err := sqliteutil.OpenDB(db.Schema, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer sqlite.Close()
	store := NewStore(sqlite, &telemetry.Recorder{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	day1 := time.Date(2021, 5, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	{
		runs, err := store.Recent(ctx, "covid19_daily_dag", 10)
		require.NoError(t, err)
		require.Len(t, runs, 0)
	}
	{
		runId, err := store.StartRun(ctx, "covid19_daily_dag", OriginSchedule, day1)
		require.NoError(t, err)

		require.NoError(t, store.RecordTask(ctx, runId, dag.TaskResult{
			Id: "get_caseall", State: dag.StateSuccess, Start: day1, End: day1.Add(time.Second),
		}))
		require.NoError(t, store.RecordTask(ctx, runId, dag.TaskResult{
			Id: "load_to_bq_file1", State: dag.StateFailed, Start: day1.Add(2 * time.Second),
			End: day1.Add(3 * time.Second), Err: errors.New("exit status 1"),
		}))
		require.NoError(t, store.FinishRun(ctx, runId, RunFailed, day1.Add(time.Minute)))
	}
	{
		runId, err := store.StartRun(ctx, "covid19_daily_dag", OriginManual, day2)
		require.NoError(t, err)
		// recording twice replaces the earlier outcome
		require.NoError(t, store.RecordTask(ctx, runId, dag.TaskResult{
			Id: "get_line_list", State: dag.StatePending, Start: day2,
		}))
		require.NoError(t, store.RecordTask(ctx, runId, dag.TaskResult{
			Id: "get_line_list", State: dag.StateSuccess, Start: day2, End: day2.Add(time.Second),
		}))
	}

	runs, err := store.Recent(ctx, "covid19_daily_dag", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	latest := runs[0]
	require.Equal(t, OriginManual, latest.Origin)
	require.Equal(t, RunRunning, latest.State)
	require.True(t, latest.FinishedAt.IsZero())
	require.Len(t, latest.Tasks, 1)
	require.Equal(t, dag.StateSuccess, latest.Tasks[0].State)

	earlier := runs[1]
	require.Equal(t, RunFailed, earlier.State)
	require.Equal(t, day1.Add(time.Minute).Unix(), earlier.FinishedAt.Unix())
	require.Len(t, earlier.Tasks, 2)
	require.Equal(t, "get_caseall", earlier.Tasks[0].TaskId)
	require.Equal(t, "", earlier.Tasks[0].Error)
	require.Equal(t, "exit status 1", earlier.Tasks[1].Error)

	limited, err := store.Recent(ctx, "covid19_daily_dag", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	require.Error(t, store.FinishRun(ctx, 999, RunSuccess, day2))
}

func TestStoreOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "history.db")

	sqlite, err := sqliteutil.OpenDB(db.Schema, path)
	require.NoError(t, err)
	store := NewStore(sqlite, &telemetry.Recorder{})
	_, err = store.StartRun(context.Background(), "g", OriginManual, time.Unix(100, 0))
	require.NoError(t, err)
	require.NoError(t, sqlite.Close())

	// reopening applies the schema again without losing rows
	sqlite, err = sqliteutil.OpenDB(db.Schema, path)
	require.NoError(t, err)
	defer sqlite.Close()

	runs, err := NewStore(sqlite, &telemetry.Recorder{}).Recent(context.Background(), "g", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
