package extract

import (
	"context"

	"covid19-pipeline/internal/components/assert"
	"covid19-pipeline/internal/components/telemetry"
)

const (
	nameCaseTimeline = "case_timeline"
	nameByProvince   = "by_province"
)

// CaseTimeline extracts the national timeline, one row per date.
type CaseTimeline struct {
	source Source
	opts   Options
	tel    telemetry.API
}

func NewCaseTimeline(source Source, opts Options, tel telemetry.API) CaseTimeline {
	assert.NotNil(source)
	assert.NotEmptyStr(opts.OutputPath)
	assert.NotNil(tel)

	return CaseTimeline{
		source: source,
		opts:   opts,
		tel:    telemetry.NewScopedAPI("extract", tel),
	}
}

func (CaseTimeline) Name() string {
	return nameCaseTimeline
}

func (e CaseTimeline) Extract(ctx context.Context) (Output, error) {
	ctx, span := tracer.Start(ctx, "extract:case_timeline")
	defer span.End()

	body, err := e.source.TimelineCasesAll(ctx)
	if err != nil {
		recordError(span, err, "failed to fetch timeline")
		return Output{}, err
	}
	t, err := timeline(e.tel, nameCaseTimeline, body)
	if err != nil {
		recordError(span, err, "failed to normalize timeline")
		return Output{}, err
	}
	return finish(ctx, e.tel, nameCaseTimeline, e.opts, t)
}

// ByProvince extracts the per-province timeline, one row per (date, province).
type ByProvince struct {
	source Source
	opts   Options
	tel    telemetry.API
}

func NewByProvince(source Source, opts Options, tel telemetry.API) ByProvince {
	assert.NotNil(source)
	assert.NotEmptyStr(opts.OutputPath)
	assert.NotNil(tel)

	return ByProvince{
		source: source,
		opts:   opts,
		tel:    telemetry.NewScopedAPI("extract", tel),
	}
}

func (ByProvince) Name() string {
	return nameByProvince
}

func (e ByProvince) Extract(ctx context.Context) (Output, error) {
	ctx, span := tracer.Start(ctx, "extract:by_province")
	defer span.End()

	body, err := e.source.TimelineCasesByProvinces(ctx)
	if err != nil {
		recordError(span, err, "failed to fetch timeline")
		return Output{}, err
	}
	t, err := timeline(e.tel, nameByProvince, body)
	if err != nil {
		recordError(span, err, "failed to normalize timeline")
		return Output{}, err
	}
	return finish(ctx, e.tel, nameByProvince, e.opts, t)
}
