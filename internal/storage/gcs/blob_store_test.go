package gcs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "reports"})
	require.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	t.Parallel()

	key, err := objectKey("", "/reports/job-1/a.json")
	require.NoError(t, err)
	require.Equal(t, "reports/job-1/a.json", key)

	key, err = objectKey("scrapegate", "reports/job-1/a.json")
	require.NoError(t, err)
	require.Equal(t, "scrapegate/reports/job-1/a.json", key)

	_, err = objectKey("scrapegate", "  ")
	require.Error(t, err)
}
