// Package load runs the external warehouse loader that bulk-inserts a CSV file into a table.
package load

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"covid19-pipeline/internal/components/assert"
	"covid19-pipeline/internal/components/telemetry"

	"github.com/google/shlex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("load")

const (
	report_loader_run = "loader.run"
)

// DefaultCommand loads a CSV with schema autodetection through the BigQuery CLI.
const DefaultCommand = "bq load --source_format=CSV --autodetect {table} {source}"

const (
	placeholderTable  = "{table}"
	placeholderSource = "{source}"
)

// Runner runs a command to completion and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner is the Runner backed by os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandError is returned when the loader command fails or exits non-zero.
type CommandError struct {
	Argv   []string
	Output string
	Err    error
}

func (e CommandError) Error() string {
	output := strings.TrimSpace(e.Output)
	if output == "" {
		return fmt.Sprintf("%s: %s", strings.Join(e.Argv, " "), e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", strings.Join(e.Argv, " "), e.Err, output)
}

func (e CommandError) Unwrap() error {
	return e.Err
}

// Job is a single load step.
type Job struct {
	// Table is the destination, ex. `report.covid19_caseall`.
	Table string
	// Source is the location the loader reads from, ex. `gs://bucket/data/caseall_cleaned.csv`.
	Source string
}

// SourceUri joins the bucket prefix the loader reads from with the base name of a local output.
func SourceUri(prefix, localPath string) string {
	if prefix == "" {
		return localPath
	}
	return strings.TrimRight(prefix, "/") + "/" + path.Base(filepath.ToSlash(localPath))
}

type Loader struct {
	template []string
	runner   Runner
	tel      telemetry.API
}

// ParseCommand splits `command` with shell quoting rules and checks that it references
// both the {table} and {source} placeholders.
func ParseCommand(command string) ([]string, error) {
	template, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse loader command: %w", err)
	}
	if len(template) == 0 {
		return nil, errors.New("loader command is empty")
	}
	if !strings.Contains(command, placeholderTable) || !strings.Contains(command, placeholderSource) {
		return nil, fmt.Errorf(
			"loader command must reference both %s and %s: %q",
			placeholderTable, placeholderSource, command,
		)
	}
	return template, nil
}

// NewLoader parses `command` (DefaultCommand when empty), every argument may contain
// the {table} and {source} placeholders.
func NewLoader(command string, runner Runner, tel telemetry.API) (Loader, error) {
	assert.NotNil(runner)
	assert.NotNil(tel)

	if command == "" {
		command = DefaultCommand
	}
	template, err := ParseCommand(command)
	if err != nil {
		return Loader{}, err
	}

	return Loader{
		template: template,
		runner:   runner,
		tel:      telemetry.NewScopedAPI("load", tel),
	}, nil
}

// Argv renders the command for a job.
func (l Loader) Argv(job Job) []string {
	replacer := strings.NewReplacer(
		placeholderTable, job.Table,
		placeholderSource, job.Source,
	)
	argv := make([]string, len(l.template))
	for i, arg := range l.template {
		argv[i] = replacer.Replace(arg)
	}
	return argv
}

// Load runs the loader for a job and blocks until it exits.
func (l Loader) Load(ctx context.Context, job Job) error {
	ctx, span := tracer.Start(ctx, "load:run")
	defer span.End()

	argv := l.Argv(job)
	span.SetAttributes(
		attribute.String("load.table", job.Table),
		attribute.String("load.source", job.Source),
	)
	l.tel.ReportDebug("running loader", argv)

	output, err := l.runner.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		cmdErr := CommandError{Argv: argv, Output: string(output), Err: err}
		l.tel.ReportBroken(report_loader_run, cmdErr, job.Table)
		span.RecordError(cmdErr)
		span.SetStatus(codes.Error, "loader failed")
		return cmdErr
	}

	l.tel.ReportDebug("loader finished", job.Table, strings.TrimSpace(string(output)))
	span.SetStatus(codes.Ok, "loaded")
	return nil
}
