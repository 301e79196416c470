package dagflow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/dagflow/pkg/worker"
)

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	return db
}

func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "dagflow.db")
	cfg := worker.Config{PollInterval: 10 * time.Millisecond, RetryDelay: 10 * time.Millisecond}

	// First process: submit only. The job stays in the queue table.
	db1 := openSQLite(t, path)
	b1, err := NewSQLiteBundle(db1, echoHandlers(), cfg, fastBackoff())
	require.NoError(t, err)
	orderTemplate().MustRegister(b1.Engine)

	id, err := b1.Engine.Submit(ctx, "order", map[string]any{"order_id": "o-42"})
	require.NoError(t, err)
	assert.Equal(t, 1, b1.Pending())
	require.NoError(t, db1.Close())

	// Second process: same file, fresh engine, worker drains the queue.
	db2 := openSQLite(t, path)
	t.Cleanup(func() { _ = db2.Close() })
	b2, err := NewSQLiteBundle(db2, echoHandlers(), cfg, fastBackoff())
	require.NoError(t, err)
	orderTemplate().MustRegister(b2.Engine)

	view, err := b2.Engine.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, view.Task.State)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- b2.Run(runCtx) }()

	require.Eventually(t, func() bool {
		v, err := b2.Engine.GetTask(ctx, id)
		return err == nil && v.Task.State == StateComplete
	}, 10*time.Second, 20*time.Millisecond)

	stop()
	require.NoError(t, <-done)

	view, err = b2.Engine.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "o-42", view.Task.Context["order_id"])
	for _, st := range view.Steps {
		assert.Equal(t, StateComplete, st.State, st.Name)
	}
}
