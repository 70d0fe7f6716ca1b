package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDailyRun(t *testing.T) {
	bangkok := time.FixedZone("ICT", 7*60*60)

	table := []struct {
		from     time.Time
		expected time.Time
	}{
		{
			from:     time.Date(2021, 5, 1, 8, 59, 0, 0, bangkok),
			expected: time.Date(2021, 5, 1, 9, 0, 0, 0, bangkok),
		},
		{
			from:     time.Date(2021, 5, 1, 9, 0, 0, 0, bangkok),
			expected: time.Date(2021, 5, 2, 9, 0, 0, 0, bangkok),
		},
		{
			from:     time.Date(2021, 12, 31, 23, 0, 0, 0, bangkok),
			expected: time.Date(2022, 1, 1, 9, 0, 0, 0, bangkok),
		},
	}

	for _, row := range table {
		next, err := Next("0 9 * * *", row.from)
		require.NoError(t, err)
		require.True(t, row.expected.Equal(next), "expected %s, got %s", row.expected, next)
	}
}

func TestValidateSpec(t *testing.T) {
	require.NoError(t, ValidateSpec("0 9 * * *"))
	require.NoError(t, ValidateSpec("@daily"))
	require.Error(t, ValidateSpec("0 9 * *"))
	require.Error(t, ValidateSpec("every morning"))
}
