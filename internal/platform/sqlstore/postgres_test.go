package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/phrazzld/contextflow/internal/platform/sqlstore"
	"github.com/phrazzld/contextflow/internal/store"
	"github.com/phrazzld/contextflow/internal/store/storetest"
	"github.com/phrazzld/contextflow/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresContextStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.ContextStore {
		return sqlstore.NewContextStore(testdb.Postgres(t), sqlstore.Postgres)
	})
}

func TestPostgresDeleteMany(t *testing.T) {
	s := sqlstore.NewContextStore(testdb.Postgres(t), sqlstore.Postgres)
	ctx := context.Background()
	now := time.Now().UTC()

	a := storetest.NewContext(t, "analysis", "high", now)
	b := storetest.NewContext(t, "analysis", "high", now.Add(time.Millisecond))
	require.NoError(t, s.Put(ctx, a))
	require.NoError(t, s.Put(ctx, b))

	n, err := s.DeleteMany(ctx, []string{a.ID, b.ID, a.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
