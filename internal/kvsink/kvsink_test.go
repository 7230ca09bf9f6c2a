package kvsink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetStatus(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Status()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.PutStatus("3 workers, 0 pending"))

	got, err = s.Status()
	require.NoError(t, err)
	assert.Equal(t, "3 workers, 0 pending", got)
}

func TestPutErrorClearsOnEmptyString(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutError("launch failed: quota exceeded"))
	got, err := s.Error()
	require.NoError(t, err)
	assert.Equal(t, "launch failed: quota exceeded", got)

	require.NoError(t, s.PutError(""))
	got, err = s.Error()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOpenReopensExistingDatabase(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.PutStatus("persisted"))
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Status()
	require.NoError(t, err)
	assert.Equal(t, "persisted", got)
}
