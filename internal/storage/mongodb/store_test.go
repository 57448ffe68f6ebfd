package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStore_NilGuards(t *testing.T) {
	var store *Store
	ctx := context.Background()

	require.Error(t, store.Ping(ctx))
	require.Error(t, store.EnsureIndexes(ctx))
	require.NoError(t, store.Close(ctx))
}

func TestOpen_RequiresDatabase(t *testing.T) {
	_, err := Open(context.Background(), Config{URI: defaultLocalIntegrationURI})
	require.Error(t, err)
}

func TestOpen_Unreachable(t *testing.T) {
	_, err := Open(context.Background(), Config{
		URI:         "mongodb://127.0.0.1:1",
		Database:    "pie",
		ConnTimeout: 150 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestStore_MongoPing(t *testing.T) {
	store := openMongoStoreForIntegrationTest(t)
	require.NoError(t, store.Ping(context.Background()))
}
