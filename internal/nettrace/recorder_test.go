package nettrace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.trace")

	rec, err := NewRecorder(path)
	require.NoError(t, err)

	frames := [][]byte{
		{0x00, 0x01, 0x02},
		{0xFF},
		make([]byte, 4096),
	}
	dirs := []Direction{DirOut, DirIn, DirBroadcast}

	for i, frame := range frames {
		require.NoError(t, rec.Append(dirs[i], frame))
	}
	require.NoError(t, rec.Close())

	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 3)

	for i, record := range records {
		assert.Equal(t, dirs[i], record.Direction)
		assert.Equal(t, frames[i], record.Payload)
		assert.Greater(t, record.Timestamp, int64(0))
	}
}

func TestRecorder_AppendAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.trace")

	rec, err := NewRecorder(path)
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	assert.Error(t, rec.Append(DirOut, []byte{1}))
}
