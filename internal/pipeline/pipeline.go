// Package pipeline declares the covid19 daily graph: three extract-and-clean tasks that
// fan into a chain of three warehouse loads.
package pipeline

import (
	"context"
	"fmt"

	"covid19-pipeline/internal/components/assert"
	"covid19-pipeline/internal/components/restyutil"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/config"
	"covid19-pipeline/internal/dag"
	"covid19-pipeline/internal/extract"
	"covid19-pipeline/internal/load"
	"covid19-pipeline/internal/moph"
	"covid19-pipeline/internal/storage"
)

const (
	GraphId  = "covid19_daily_dag"
	GraphDoc = "Covid19 daily 9.00am"
)

const (
	TaskGetCaseAll    = "get_caseall"
	TaskGetLineList   = "get_line_list"
	TaskGetByProvince = "get_by_province"
	TaskLoadFile1     = "load_to_bq_file1"
	TaskLoadFile2     = "load_to_bq_file2"
	TaskLoadFile3     = "load_to_bq_file3"
)

// Deps are the side-effecting collaborators of the graph.
type Deps struct {
	Source    extract.Source
	Runner    load.Runner
	Publisher storage.Publisher
}

// NewDeps builds the production collaborators described by cfg.
func NewDeps(ctx context.Context, cfg config.Config, tel telemetry.API) (Deps, error) {
	var dump restyutil.Output
	if cfg.DumpDir != "" {
		output, err := restyutil.NewFilesystemOutput(cfg.DumpDir)
		if err != nil {
			return Deps{}, err
		}
		dump = output
	}

	deps := Deps{
		Source: moph.NewClient(moph.Options{
			BaseUrl: cfg.BaseUrl,
			Timeout: cfg.Timeout(),
			Dump:    dump,
		}, tel),
		Runner:    load.ExecRunner{},
		Publisher: storage.NopPublisher{},
	}
	if cfg.Storage.Enabled {
		publisher, err := storage.NewS3Publisher(ctx, cfg.Storage.S3Options(), tel)
		if err != nil {
			return Deps{}, fmt.Errorf("create publisher: %w", err)
		}
		deps.Publisher = publisher
	}
	return deps, nil
}

func extractTask(id, doc string, e extract.Extractor) dag.Task {
	return dag.Task{
		Id:  id,
		Doc: doc,
		Run: func(ctx context.Context) error {
			_, err := e.Extract(ctx)
			return err
		},
	}
}

func loadTask(id string, loader load.Loader, job load.Job) dag.Task {
	return dag.Task{
		Id:  id,
		Doc: fmt.Sprintf("load %s into %s", job.Source, job.Table),
		Run: func(ctx context.Context) error {
			return loader.Load(ctx, job)
		},
	}
}

// New declares the daily graph:
//
//	[get_caseall, get_line_list, get_by_province] >> load_to_bq_file1 >> load_to_bq_file2 >> load_to_bq_file3
func New(cfg config.Config, deps Deps, tel telemetry.API) (*dag.Graph, error) {
	assert.NotNil(deps.Source)
	assert.NotNil(deps.Runner)
	assert.NotNil(tel)

	loader, err := load.NewLoader(cfg.Loader.Command, deps.Runner, tel)
	if err != nil {
		return nil, err
	}

	options := func(ds config.Dataset) extract.Options {
		return extract.Options{
			OutputPath: ds.Output,
			Sentinel:   cfg.Sentinel,
			Publisher:  deps.Publisher,
		}
	}
	job := func(ds config.Dataset) load.Job {
		return load.Job{
			Table:  ds.Table,
			Source: load.SourceUri(cfg.Loader.SourcePrefix, ds.Output),
		}
	}
	datasets := cfg.Datasets

	g := dag.New(GraphId)
	g.Doc = GraphDoc
	g.Schedule = cfg.Schedule
	g.Tags = cfg.Tags

	g.Add(
		extractTask(
			TaskGetCaseAll, "fetch and clean the national case timeline",
			extract.NewCaseTimeline(deps.Source, options(datasets.CaseAll), tel),
		),
		extractTask(
			TaskGetLineList, "fetch and clean the last page of the line list",
			extract.NewLineList(deps.Source, options(datasets.LineList), tel),
		),
		extractTask(
			TaskGetByProvince, "fetch and clean the per-province case timeline",
			extract.NewByProvince(deps.Source, options(datasets.ByProvince), tel),
		),
		loadTask(TaskLoadFile1, loader, job(datasets.CaseAll)),
		loadTask(TaskLoadFile2, loader, job(datasets.LineList)),
		loadTask(TaskLoadFile3, loader, job(datasets.ByProvince)),
	)
	g.FanIn([]string{TaskGetCaseAll, TaskGetLineList, TaskGetByProvince}, TaskLoadFile1)
	g.Chain(TaskLoadFile1, TaskLoadFile2, TaskLoadFile3)

	err = g.Validate()
	if err != nil {
		return nil, err
	}
	return g, nil
}
