// Package moph is a client for the Department of Disease Control covid19 case API.
package moph

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"covid19-pipeline/internal/components/assert"
	"covid19-pipeline/internal/components/restyutil"
	"covid19-pipeline/internal/components/telemetry"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const (
	report_client_get       = "client.get"
	report_client_last_page = "client.last-page"
)

const (
	ResourceTimelineCasesAll         = "timeline-cases-all"
	ResourceRoundThreeLineLists      = "round-3-line-lists"
	ResourceTimelineCasesByProvinces = "timeline-cases-by-provinces"
)

const maxErrorBody = 512

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// APIError is returned for any response with a non-2xx status.
type APIError struct {
	Resource   string
	StatusCode int
	// Body holds at most the first 512 bytes of the response.
	Body string
}

func (e APIError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d: %s", e.Resource, e.StatusCode, e.Body)
}

type Options struct {
	BaseUrl string
	// Timeout bounds a single request, zero means no timeout.
	Timeout time.Duration
	// Dump receives every http exchange when set.
	Dump restyutil.Output
}

type Client struct {
	http *resty.Client
	tel  telemetry.API
}

func NewClient(opts Options, tel telemetry.API) Client {
	assert.NotEmptyStr(opts.BaseUrl)
	assert.NotNil(tel)

	tel = telemetry.NewScopedAPI("moph", tel)

	http := resty.New()
	http.SetBaseURL(opts.BaseUrl)
	http.SetHeader("accept", "application/json")
	if opts.Timeout > 0 {
		http.SetTimeout(opts.Timeout)
	}
	telemetry.InstrumentResty(http, "moph", tel)
	restyutil.Dump(http, opts.Dump)

	return Client{http: http, tel: tel}
}

// Get requests `resource` relative to the base url and returns the raw body.
func (c Client) Get(ctx context.Context, resource string, query map[string]string) ([]byte, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(resource)
	if err != nil {
		c.tel.ReportBroken(report_client_get, fmt.Errorf("fetch: %w", err), resource)
		return nil, fmt.Errorf("GET %s: %w", resource, err)
	}
	if res.IsError() || res.StatusCode() < 200 || res.StatusCode() >= 300 {
		apiErr := APIError{
			Resource:   resource,
			StatusCode: res.StatusCode(),
			Body:       truncate(res.String(), maxErrorBody),
		}
		c.tel.ReportBroken(report_client_get, apiErr)
		return nil, apiErr
	}

	return res.Body(), nil
}

// TimelineCasesAll fetches the national daily case timeline, a json array of records.
func (c Client) TimelineCasesAll(ctx context.Context) ([]byte, error) {
	return c.Get(ctx, ResourceTimelineCasesAll, nil)
}

// TimelineCasesByProvinces fetches the per-province daily case timeline, a json array of records.
func (c Client) TimelineCasesByProvinces(ctx context.Context) ([]byte, error) {
	return c.Get(ctx, ResourceTimelineCasesByProvinces, nil)
}

// RoundThreeLineLists fetches a single page of the line list, an object with `data` and `meta`.
func (c Client) RoundThreeLineLists(ctx context.Context, page int) ([]byte, error) {
	return c.Get(ctx, ResourceRoundThreeLineLists, map[string]string{
		"page": strconv.Itoa(page),
	})
}

// LastPage reads `meta.last_page` out of a paginated response.
func (c Client) LastPage(body []byte) (int, error) {
	if !gjson.ValidBytes(body) {
		err := fmt.Errorf("response is not valid json")
		c.tel.ReportBroken(report_client_last_page, err)
		return 0, err
	}
	lastPage := gjson.GetBytes(body, "meta.last_page")
	if lastPage.Type != gjson.Number {
		err := fmt.Errorf("meta.last_page is missing or not a number: %q", lastPage.Raw)
		c.tel.ReportBroken(report_client_last_page, err)
		return 0, err
	}
	page := int(lastPage.Int())
	if page < 1 {
		err := fmt.Errorf("meta.last_page must be at least 1, got %d", page)
		c.tel.ReportBroken(report_client_last_page, err)
		return 0, err
	}
	return page, nil
}
