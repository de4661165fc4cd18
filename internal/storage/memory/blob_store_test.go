package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "raw/job-1/page.md", "text/markdown", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/job-1/page.md", uri)

	payload[0] = 'C'
	stored, ok := store.Object("raw/job-1/page.md")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
}
