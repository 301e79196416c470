package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/dagflow/internal/testutil"
)

func TestPostgresQueue_Contract(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runQueueContract(t, func(t *testing.T) Queue {
		_, _ = db.ExecContext(context.Background(), "DROP TABLE IF EXISTS dagflow_jobs")
		q, err := NewPostgresQueue(db)
		require.NoError(t, err)
		q.pollInterval = 10 * time.Millisecond
		return q
	})
}
