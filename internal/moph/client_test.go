package moph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"covid19-pipeline/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (Client, *telemetry.Recorder) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tel := &telemetry.Recorder{}
	client := NewClient(Options{
		BaseUrl: server.URL + "/api/Cases/",
		Timeout: 5 * time.Second,
	}, tel)
	return client, tel
}

func TestClientResources(t *testing.T) {
	var paths []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`[]`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.TimelineCasesAll(ctx)
	require.NoError(t, err)
	_, err = client.TimelineCasesByProvinces(ctx)
	require.NoError(t, err)
	_, err = client.RoundThreeLineLists(ctx, 3)
	require.NoError(t, err)

	require.Equal(t, []string{
		"/api/Cases/timeline-cases-all",
		"/api/Cases/timeline-cases-by-provinces",
		"/api/Cases/round-3-line-lists?page=3",
	}, paths)
}

func TestClientStatusError(t *testing.T) {
	client, tel := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	})

	_, err := client.TimelineCasesAll(context.Background())

	var apiErr APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	require.Equal(t, ResourceTimelineCasesAll, apiErr.Resource)
	require.Equal(t, "upstream exploded", apiErr.Body)

	broken := tel.Reports("broken")
	require.NotEmpty(t, broken)
	require.Equal(t, "moph:client.get", broken[len(broken)-1].Id)
}

func TestClientStatusErrorTruncatesOnRuneBoundary(t *testing.T) {
	// "ก" is three bytes, so byte 512 falls inside a rune
	body := "x" + strings.Repeat("ก", 300)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(body))
	})

	_, err := client.TimelineCasesAll(context.Background())

	var apiErr APIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, utf8.ValidString(apiErr.Body))
	require.True(t, utf8.ValidString(err.Error()))
	require.Len(t, apiErr.Body, 511)
	require.True(t, strings.HasPrefix(body, apiErr.Body))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "ab", truncate("abc", 2))
	require.Equal(t, "", truncate("ก", 2))
	require.Equal(t, "aก", truncate("aกข", 5))
	require.Equal(t, "aกข", truncate("aกข", 7))
}

func TestClientTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseUrl := server.URL
	server.Close()

	client := NewClient(Options{BaseUrl: baseUrl}, &telemetry.Recorder{})
	_, err := client.TimelineCasesAll(context.Background())
	require.Error(t, err)
}

func TestLastPage(t *testing.T) {
	client := NewClient(Options{BaseUrl: "http://localhost"}, &telemetry.Recorder{})

	table := []struct {
		body     string
		expected int
		fails    bool
	}{
		{body: `{"data": [], "meta": {"current_page": 1, "last_page": 3}}`, expected: 3},
		{body: `{"meta": {"last_page": 1}}`, expected: 1},
		{body: `{"meta": {}}`, fails: true},
		{body: `{"meta": {"last_page": "3"}}`, fails: true},
		{body: `{"meta": {"last_page": 0}}`, fails: true},
		{body: `<html>`, fails: true},
	}

	for _, row := range table {
		page, err := client.LastPage([]byte(row.body))
		if row.fails {
			require.Error(t, err, row.body)
			continue
		}
		require.NoError(t, err, row.body)
		require.Equal(t, row.expected, page)
	}
}
