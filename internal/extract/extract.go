// Package extract contains the three extract-and-clean tasks of the daily pipeline, each
// one fetches a resource, normalizes it into a table and writes it to a CSV file.
package extract

import (
	"context"
	"fmt"

	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/storage"
	"covid19-pipeline/internal/table"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("extract")

// DateColumns are retyped from DateLayout text into dates in every dataset.
var DateColumns = []string{"txn_date", "update_date"}

// Source is the case API, implemented by moph.Client.
type Source interface {
	TimelineCasesAll(ctx context.Context) ([]byte, error)
	TimelineCasesByProvinces(ctx context.Context) ([]byte, error)
	RoundThreeLineLists(ctx context.Context, page int) ([]byte, error)
	LastPage(body []byte) (int, error)
}

// Options are shared by every extractor.
type Options struct {
	// OutputPath is the CSV file written on every run, it is overwritten each time.
	OutputPath string
	// Sentinel is written in place of values that were filled as unspecified.
	Sentinel string
	// Publisher is called with OutputPath once the file is written, nil means NopPublisher.
	Publisher storage.Publisher
}

// Output describes what an extractor wrote.
type Output struct {
	Path    string
	Uri     string
	Columns []string
	Rows    int
}

// Extractor is a single extract-and-clean task.
type Extractor interface {
	Name() string
	Extract(ctx context.Context) (Output, error)
}

// finish writes a cleaned table and publishes it, it is the tail shared by every extractor.
func finish(ctx context.Context, tel telemetry.API, name string, opts Options, t table.Table) (Output, error) {
	_, span := tracer.Start(ctx, fmt.Sprintf("%s:write", name))
	defer span.End()

	err := table.WriteFile(opts.OutputPath, t, opts.Sentinel)
	if err != nil {
		tel.ReportBroken(fmt.Sprintf("%s.write", name), err, opts.OutputPath)
		recordError(span, err, "failed to write csv")
		return Output{}, err
	}
	tel.ReportCount(fmt.Sprintf("%s.rows", name), int64(len(t.Rows)))

	publisher := opts.Publisher
	if publisher == nil {
		publisher = storage.NopPublisher{}
	}
	uri, err := publisher.Publish(ctx, opts.OutputPath)
	if err != nil {
		tel.ReportBroken(fmt.Sprintf("%s.publish", name), err, opts.OutputPath)
		recordError(span, err, "failed to publish csv")
		return Output{}, err
	}

	span.SetAttributes(
		attribute.String("output.path", opts.OutputPath),
		attribute.Int("output.rows", len(t.Rows)),
	)
	span.SetStatus(codes.Ok, "written")

	return Output{
		Path:    opts.OutputPath,
		Uri:     uri,
		Columns: t.Columns,
		Rows:    len(t.Rows),
	}, nil
}

// timeline is the normalization shared by the two timeline datasets.
func timeline(tel telemetry.API, name string, body []byte) (table.Table, error) {
	t, err := table.FromJSON(body)
	if err != nil {
		tel.ReportBroken(fmt.Sprintf("%s.normalize", name), err)
		return table.Table{}, fmt.Errorf("%s: %w", name, err)
	}
	err = t.ParseDates(DateColumns...)
	if err != nil {
		tel.ReportBroken(fmt.Sprintf("%s.normalize", name), err)
		return table.Table{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

func recordError(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}
