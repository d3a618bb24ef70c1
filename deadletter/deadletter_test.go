package deadletter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRead(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, "patients", "run-1")
	require.NoError(t, err)

	require.NoError(t, l.Record("patient-7", "document update conflict", 4))
	require.NoError(t, l.Record("patient-9", "document too large", 1))
	assert.Equal(t, 2, l.Count())
	require.NoError(t, l.Close())

	entries, err := Read(l.Path())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "patient-7", entries[0].DocID)
	assert.Equal(t, "patients", entries[0].Collection)
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, 4, entries[0].Attempts)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, "patient-9", entries[1].DocID)
}

func TestOpenAppendsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, "patients", "run-1")
	require.NoError(t, err)
	require.NoError(t, l.Record("patient-1", "conflict", 4))
	require.NoError(t, l.Close())

	l, err = Open(dir, "patients", "run-1")
	require.NoError(t, err)
	require.NoError(t, l.Record("patient-2", "conflict", 4))
	// Count reflects this instance, the file holds both.
	assert.Equal(t, 1, l.Count())
	require.NoError(t, l.Close())

	entries, err := Read(l.Path())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "patients.run-1.deadletter.ndjson", FileName("patients", "run-1"))
}
