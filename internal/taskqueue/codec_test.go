package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeJob(t *testing.T) {
	now := time.Now().UTC()
	orig := Job{
		ID:         "job-1",
		Type:       JobProcessTask,
		TaskID:     "task-1",
		EnqueuedAt: now,
		NotBefore:  now.Add(time.Minute),
		Attempts:   2,
	}

	data, err := EncodeJob(orig)
	require.NoError(t, err)

	got, err := DecodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.TaskID, got.TaskID)
	assert.Equal(t, orig.Attempts, got.Attempts)
	assert.True(t, orig.NotBefore.Equal(got.NotBefore))
}

func TestDecodeJob_Garbage(t *testing.T) {
	_, err := DecodeJob([]byte("not gob"))
	require.Error(t, err)
}

func TestPrepare_FillsDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j := prepare(Job{TaskID: "t1"}, now)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, JobProcessTask, j.Type)
	assert.Equal(t, now, j.EnqueuedAt)
	assert.Equal(t, now, j.NotBefore)

	later := now.Add(time.Hour)
	j = prepare(Job{ID: "fixed", TaskID: "t1", NotBefore: later}, now)
	assert.Equal(t, "fixed", j.ID)
	assert.Equal(t, later, j.NotBefore)
}

