package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/pkg/schema"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	uri, err := s.Put(ctx, "wf-1", "extract", "report.csv", "text/csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, "weft://memory/wf-1/extract/report.csv", uri)

	data, err := s.Get(ctx, ObjectKey("wf-1", "extract", "report.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "wf-1/extract/nope")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestMemoryStore_PutCopiesData(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	buf := []byte("original")
	_, err := s.Put(ctx, "wf-1", "s", "blob", "application/octet-stream", buf)
	require.NoError(t, err)
	buf[0] = 'X'

	data, err := s.Get(ctx, ObjectKey("wf-1", "s", "blob"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}
