package mongodb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

const defaultLocalIntegrationURI = "mongodb://localhost:27017"

// openMongoStoreForIntegrationTest подключается к отдельной базе на тест и удаляет её по завершении.
func openMongoStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	uri := strings.TrimSpace(os.Getenv("PIE_MONGO_TEST_URI"))
	if uri == "" {
		uri = defaultLocalIntegrationURI
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := Open(ctx, Config{
		URI:         uri,
		Database:    fmt.Sprintf("pie_test_%d", time.Now().UnixNano()),
		ConnTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("mongo is not available for integration tests: %v", err)
		return nil
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}

	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cleanupCancel()
		_ = store.Database().Drop(cleanupCtx)
		_ = store.Close(cleanupCtx)
	})
	return store
}
