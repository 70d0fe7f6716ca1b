package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"covid19-pipeline/internal/components/chrono"
	"covid19-pipeline/internal/components/sqliteutil"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/config"
	"covid19-pipeline/internal/dag"
	"covid19-pipeline/internal/history"
	"covid19-pipeline/internal/history/db"
	"covid19-pipeline/internal/moph"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type caseApi struct {
	mutex    sync.Mutex
	failing  map[string]bool
	requests []string
}

func (c *caseApi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	resource := strings.TrimPrefix(r.URL.Path, "/api/Cases/")
	c.requests = append(c.requests, r.URL.RequestURI())
	if c.failing[resource] {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"upstream unavailable"}`))
		return
	}

	switch resource {
	case moph.ResourceTimelineCasesAll:
		w.Write([]byte(`[{"txn_date":"2021/05/01","update_date":"2021/05/01","new_case":10}]`))
	case moph.ResourceTimelineCasesByProvinces:
		w.Write([]byte(`[{"txn_date":"2021/05/01","province":"ภูเก็ต","new_case":3,"update_date":"2021/05/01"}]`))
	case moph.ResourceRoundThreeLineLists:
		switch r.URL.Query().Get("page") {
		case "1":
			w.Write([]byte(`{"data":[{"txn_date":"2021/04/01","update_date":"2021/04/01","age_number":1,"nationality":"Thai","job":"x"}],"meta":{"last_page":3}}`))
		case "3":
			w.Write([]byte(`{"data":[
				{"txn_date":"2021/05/01","update_date":"2021/05/01","age_number":null,"nationality":"Thai","job":"driver"},
				{"txn_date":"2021/05/02","update_date":"2021/05/02","age_number":41,"nationality":"Lao","job":"cook"}
			],"meta":{"last_page":3}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type fakeRunner struct {
	mutex sync.Mutex
	calls [][]string
	// fail makes the command fail when its table argument matches
	fail string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	for _, arg := range args {
		if f.fail != "" && arg == f.fail {
			return []byte("BigQuery error in load operation"), errors.New("exit status 1")
		}
	}
	return []byte("DONE"), nil
}

func (f *fakeRunner) tables() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var out []string
	for _, call := range f.calls {
		out = append(out, call[len(call)-2])
	}
	return out
}

type fixture struct {
	cfg    config.Config
	api    *caseApi
	runner *fakeRunner
	tel    *telemetry.Recorder
	store  history.Store
	graph  *dag.Graph
}

func setup(t *testing.T, modify ...func(cfg *config.Config)) *fixture {
	t.Helper()

	api := &caseApi{failing: map[string]bool{}}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.BaseUrl = server.URL + "/api/Cases/"
	cfg.Datasets.CaseAll.Output = filepath.Join(dir, "caseall_cleaned.csv")
	cfg.Datasets.LineList.Output = filepath.Join(dir, "line_list_cleaned.csv")
	cfg.Datasets.ByProvince.Output = filepath.Join(dir, "by_province_cleaned.csv")
	for _, m := range modify {
		m(&cfg)
	}
	require.NoError(t, cfg.Validate())

	tel := &telemetry.Recorder{}
	sqlite, err := sqliteutil.OpenDB(db.Schema, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	runner := &fakeRunner{}
	deps, err := NewDeps(context.Background(), cfg, tel)
	require.NoError(t, err)
	deps.Runner = runner

	g, err := New(cfg, deps, tel)
	require.NoError(t, err)

	return &fixture{
		cfg:    cfg,
		api:    api,
		runner: runner,
		tel:    tel,
		store:  history.NewStore(sqlite, tel),
		graph:  g,
	}
}

func (f *fixture) run(t *testing.T) dag.Result {
	t.Helper()
	runner := NewRunner(
		RunnerOptions{Ledger: f.store},
		chrono.FixedTime(time.Date(2021, 5, 2, 9, 0, 0, 0, time.UTC)),
		f.tel,
	)
	result, err := runner.Run(context.Background(), f.graph, history.OriginManual)
	require.NoError(t, err)
	return result
}

func states(r dag.Result) map[string]dag.State {
	out := map[string]dag.State{}
	for _, t := range r.Tasks {
		out[t.Id] = t.State
	}
	return out
}

func TestGraphShape(t *testing.T) {
	f := setup(t)

	require.Equal(t, GraphId, f.graph.Id)
	require.Equal(t, GraphDoc, f.graph.Doc)
	require.Equal(t, "0 9 * * *", f.graph.Schedule)
	require.Equal(t, []string{"firstdeproject"}, f.graph.Tags)

	order, err := f.graph.Order()
	require.NoError(t, err)
	require.Equal(t, []string{
		TaskGetCaseAll, TaskGetLineList, TaskGetByProvince,
		TaskLoadFile1, TaskLoadFile2, TaskLoadFile3,
	}, order)

	expected := []dag.Edge{
		{From: TaskGetCaseAll, To: TaskLoadFile1, Trigger: dag.OnSuccess},
		{From: TaskGetLineList, To: TaskLoadFile1, Trigger: dag.OnSuccess},
		{From: TaskGetByProvince, To: TaskLoadFile1, Trigger: dag.OnSuccess},
		{From: TaskLoadFile1, To: TaskLoadFile2, Trigger: dag.OnSuccess},
		{From: TaskLoadFile2, To: TaskLoadFile3, Trigger: dag.OnSuccess},
	}
	if diff := cmp.Diff(expected, f.graph.Edges()); diff != "" {
		t.Fatal("edges differ (-want +got)\n", diff)
	}
}

func TestRunEndToEnd(t *testing.T) {
	f := setup(t)
	result := f.run(t)

	require.True(t, result.Succeeded(), result.Err())
	require.NoError(t, result.Err())

	caseall, err := os.ReadFile(f.cfg.Datasets.CaseAll.Output)
	require.NoError(t, err)
	require.Equal(t, "txn_date,update_date,new_case\n2021-05-01,2021-05-01,10\n", string(caseall))

	linelist, err := os.ReadFile(f.cfg.Datasets.LineList.Output)
	require.NoError(t, err)
	require.Equal(
		t,
		"txn_date,update_date,age_number,nationality\n"+
			"2021-05-01,2021-05-01,ไม่ระบุ,Thai\n"+
			"2021-05-02,2021-05-02,41,Lao\n",
		string(linelist),
	)

	require.Equal(t, []string{
		"report.covid19_caseall",
		"report.covid19_linelist",
		"report.covid19_by_province",
	}, f.runner.tables())
	require.Equal(t, []string{
		"bq", "load", "--source_format=CSV", "--autodetect",
		"report.covid19_caseall",
		"gs://asia-southeast1-airflowcovi-b358f964-bucket/data/caseall_cleaned.csv",
	}, f.runner.calls[0])

	runs, err := f.store.Recent(context.Background(), GraphId, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, history.RunSuccess, runs[0].State)
	require.Equal(t, history.OriginManual, runs[0].Origin)
	require.Len(t, runs[0].Tasks, 6)
	for _, task := range runs[0].Tasks {
		require.Equal(t, dag.StateSuccess, task.State, task.TaskId)
	}
}

func TestRunExtractFailureSkipsLoads(t *testing.T) {
	f := setup(t)
	f.api.failing[moph.ResourceTimelineCasesAll] = true

	result := f.run(t)
	require.False(t, result.Succeeded())

	var apiErr moph.APIError
	require.ErrorAs(t, result.Err(), &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	require.Equal(t, map[string]dag.State{
		TaskGetCaseAll:    dag.StateFailed,
		TaskGetLineList:   dag.StateSuccess,
		TaskGetByProvince: dag.StateSuccess,
		TaskLoadFile1:     dag.StateUpstreamFailed,
		TaskLoadFile2:     dag.StateUpstreamFailed,
		TaskLoadFile3:     dag.StateUpstreamFailed,
	}, states(result))
	require.Empty(t, f.runner.calls)

	runs, err := f.store.Recent(context.Background(), GraphId, 5)
	require.NoError(t, err)
	require.Equal(t, history.RunFailed, runs[0].State)

	broken := f.tel.Reports("broken")
	ids := make([]string, len(broken))
	for i, r := range broken {
		ids[i] = r.Id
	}
	require.Contains(t, ids, "pipeline:run.failed")
}

func TestRunLoadFailureStopsChain(t *testing.T) {
	f := setup(t)
	f.runner.fail = "report.covid19_linelist"

	result := f.run(t)

	got := states(result)
	require.Equal(t, dag.StateSuccess, got[TaskLoadFile1])
	require.Equal(t, dag.StateFailed, got[TaskLoadFile2])
	require.Equal(t, dag.StateUpstreamFailed, got[TaskLoadFile3])
	require.ErrorContains(t, result.Err(), "BigQuery error in load operation")
	require.Equal(t, []string{"report.covid19_caseall", "report.covid19_linelist"}, f.runner.tables())
}

func TestRunIsIdempotent(t *testing.T) {
	f := setup(t)

	f.run(t)
	first, err := os.ReadFile(f.cfg.Datasets.ByProvince.Output)
	require.NoError(t, err)

	f.run(t)
	second, err := os.ReadFile(f.cfg.Datasets.ByProvince.Output)
	require.NoError(t, err)
	require.Equal(t, first, second)

	runs, err := f.store.Recent(context.Background(), GraphId, 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

type fakeCron struct {
	specs     []string
	callbacks []func()
}

func (c *fakeCron) Cron(spec string, callback func()) error {
	c.specs = append(c.specs, spec)
	c.callbacks = append(c.callbacks, callback)
	return nil
}

func TestSchedule(t *testing.T) {
	f := setup(t)
	cron := &fakeCron{}
	runner := NewRunner(RunnerOptions{Ledger: f.store}, chrono.NewStandardTime(nil), f.tel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, runner.Schedule(ctx, cron, f.graph))
	require.Equal(t, []string{"0 9 * * *"}, cron.specs)

	cron.callbacks[0]()
	runs, err := f.store.Recent(context.Background(), GraphId, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, history.OriginSchedule, runs[0].Origin)

	// ticks after shutdown are ignored
	cancel()
	cron.callbacks[0]()
	runs, err = f.store.Recent(context.Background(), GraphId, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestRunWithoutLedger(t *testing.T) {
	f := setup(t)
	runner := NewRunner(RunnerOptions{MaxParallel: 1}, chrono.NewStandardTime(nil), f.tel)

	result, err := runner.Run(context.Background(), f.graph, history.OriginManual)
	require.NoError(t, err)
	require.True(t, result.Succeeded())
}

func TestRunDumpsExchanges(t *testing.T) {
	dumpDir := filepath.Join(t.TempDir(), "resty")
	f := setup(t, func(cfg *config.Config) {
		cfg.DumpDir = dumpDir
	})
	result := f.run(t)
	require.True(t, result.Succeeded())

	entries, err := os.ReadDir(dumpDir)
	require.NoError(t, err)
	// timeline, by province and both line list pages
	require.Len(t, entries, 4)
}

// brokenLedger accepts runs but can never finish them.
type brokenLedger struct {
	finished int
}

func (l *brokenLedger) StartRun(context.Context, string, string, time.Time) (int64, error) {
	return 1, nil
}

func (l *brokenLedger) RecordTask(context.Context, int64, dag.TaskResult) error {
	return nil
}

func (l *brokenLedger) FinishRun(context.Context, int64, string, time.Time) error {
	l.finished++
	return errors.New("database is locked")
}

func brokenIds(tel *telemetry.Recorder) []string {
	var ids []string
	for _, r := range tel.Reports("broken") {
		ids = append(ids, r.Id)
	}
	return ids
}

func TestRunInvalidGraphReportsLedgerFailure(t *testing.T) {
	tel := &telemetry.Recorder{}
	ledger := &brokenLedger{}
	runner := NewRunner(RunnerOptions{Ledger: ledger}, chrono.NewStandardTime(nil), tel)

	g := dag.New("invalid").
		Add(dag.Task{Id: "a", Run: func(context.Context) error { return nil }}).
		Chain("a", "missing")

	_, err := runner.Run(context.Background(), g, history.OriginManual)
	require.Error(t, err)
	require.Equal(t, 1, ledger.finished)
	require.Contains(t, brokenIds(tel), "pipeline:history.write")
}

func TestRunFinishFailureIsReported(t *testing.T) {
	f := setup(t)
	ledger := &brokenLedger{}
	runner := NewRunner(RunnerOptions{Ledger: ledger}, chrono.NewStandardTime(nil), f.tel)

	result, err := runner.Run(context.Background(), f.graph, history.OriginManual)
	require.NoError(t, err)
	require.True(t, result.Succeeded())
	require.Equal(t, 1, ledger.finished)
	require.Contains(t, brokenIds(f.tel), "pipeline:history.write")
}

func TestRunCancelledIsReported(t *testing.T) {
	f := setup(t)
	runner := NewRunner(RunnerOptions{Ledger: f.store}, chrono.NewStandardTime(nil), f.tel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := runner.Run(ctx, f.graph, history.OriginManual)
	require.NoError(t, err)
	require.False(t, result.Succeeded())
	require.NoError(t, result.Err())
	for _, task := range result.Tasks {
		require.Equal(t, dag.StateCancelled, task.State, task.Id)
	}

	var failed []telemetry.Report
	for _, r := range f.tel.Reports("broken") {
		if r.Id == "pipeline:run.failed" {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	require.NotEmpty(t, failed[0].Params)
	runErr, ok := failed[0].Params[0].(error)
	require.True(t, ok)
	require.ErrorIs(t, runErr, ErrRunCancelled)

	runs, err := f.store.Recent(context.Background(), GraphId, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, history.RunFailed, runs[0].State)
}
