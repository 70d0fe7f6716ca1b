package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopedAPI(t *testing.T) {
	rec := &Recorder{}
	tel := NewScopedAPI("extract", NewScopedAPI("pipeline", rec))

	tel.ReportBroken("line_list.write", "disk full")
	tel.ReportWarning("line_list.last-page-only", 3)
	tel.ReportCount("line_list.rows", 2)

	broken := rec.Reports("broken")
	require.Len(t, broken, 1)
	require.Equal(t, "pipeline:extract:line_list.write", broken[0].Id)
	require.Equal(t, []any{"disk full"}, broken[0].Params)

	require.Equal(t, "pipeline:extract:line_list.last-page-only", rec.Reports("warning")[0].Id)
	require.Equal(t, []any{int64(2)}, rec.Reports("count")[0].Params)
	require.Empty(t, rec.Reports("debug"))
}
