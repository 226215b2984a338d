package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableStore never dials: every call below runs with a cancelled
// context, so the driver fails before opening a connection.
func unreachableStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, err := sql.Open("postgres", "postgres://paymeter@127.0.0.1:1/paymeter?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db)
}

func TestPostgresStore_AppendReturnsContextError(t *testing.T) {
	store := unreachableStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Append(ctx, &Entry{ID: "aud_1", Seq: 1, Timestamp: time.Now().UTC(), Action: ActionSessionCreated})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPostgresStore_ArchiveReturnsContextError(t *testing.T) {
	store := unreachableStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Archive(ctx, []*Entry{{ID: "aud_1", Seq: 1, Action: ActionSessionCreated}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, store.Archive(ctx, nil))
}

func TestPostgresStore_RetryPolicies(t *testing.T) {
	assert.Equal(t, 3, appendRetry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, appendRetry.BaseDelay)
	assert.Equal(t, 3, archiveRetry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, archiveRetry.BaseDelay)
}
