package extract

import (
	"context"
	"fmt"

	"covid19-pipeline/internal/components/assert"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/table"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
)

const nameLineList = "line_list"

const (
	report_line_list_fetch          = "line_list.fetch"
	report_line_list_normalize      = "line_list.normalize"
	report_line_list_last_page_only = "line_list.last-page-only"
)

var (
	// UnspecifiedColumns are filled with the sentinel when null.
	UnspecifiedColumns = []string{"age_number", "nationality"}
	// DroppedColumn is removed from the line list before writing.
	DroppedColumn = "job"
)

// LineList extracts individual case records.
//
// The resource is paginated, only the records of the last page are kept: page 1 is
// requested to learn `meta.last_page` and then that page is requested and written out.
// Records on every earlier page are not part of the output.
type LineList struct {
	source Source
	opts   Options
	tel    telemetry.API
}

func NewLineList(source Source, opts Options, tel telemetry.API) LineList {
	assert.NotNil(source)
	assert.NotEmptyStr(opts.OutputPath)
	assert.NotNil(tel)

	return LineList{
		source: source,
		opts:   opts,
		tel:    telemetry.NewScopedAPI("extract", tel),
	}
}

func (LineList) Name() string {
	return nameLineList
}

func (e LineList) Extract(ctx context.Context) (Output, error) {
	ctx, span := tracer.Start(ctx, "extract:line_list")
	defer span.End()

	first, err := e.source.RoundThreeLineLists(ctx, 1)
	if err != nil {
		recordError(span, err, "failed to fetch first page")
		return Output{}, err
	}
	lastPage, err := e.source.LastPage(first)
	if err != nil {
		e.tel.ReportBroken(report_line_list_fetch, err)
		recordError(span, err, "failed to read last page")
		return Output{}, fmt.Errorf("%s: %w", nameLineList, err)
	}
	span.SetAttributes(attribute.Int("line_list.last_page", lastPage))
	if lastPage > 1 {
		e.tel.ReportWarning(report_line_list_last_page_only, lastPage)
	}

	body, err := e.source.RoundThreeLineLists(ctx, lastPage)
	if err != nil {
		recordError(span, err, "failed to fetch last page")
		return Output{}, err
	}

	t, err := e.normalize(body)
	if err != nil {
		e.tel.ReportBroken(report_line_list_normalize, err)
		recordError(span, err, "failed to normalize line list")
		return Output{}, fmt.Errorf("%s: %w", nameLineList, err)
	}
	return finish(ctx, e.tel, nameLineList, e.opts, t)
}

func (e LineList) normalize(body []byte) (table.Table, error) {
	if !gjson.ValidBytes(body) {
		return table.Table{}, fmt.Errorf("response is not valid json")
	}
	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return table.Table{}, fmt.Errorf("response has no data field")
	}

	t, err := table.FromResult(data)
	if err != nil {
		return table.Table{}, err
	}
	err = t.ParseDates(DateColumns...)
	if err != nil {
		return table.Table{}, err
	}
	filled, err := t.FillMissing(UnspecifiedColumns...)
	if err != nil {
		return table.Table{}, err
	}
	e.tel.ReportCount("line_list.unspecified", int64(filled))
	err = t.Drop(DroppedColumn)
	if err != nil {
		return table.Table{}, err
	}
	return t, nil
}
