package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", StorageDriverMemory} {
		deps, err := initRuntimeDependencies(context.Background(), Config{
			StorageDriver: driver,
		}, log.WithField("test", "memory-storage"))
		require.NoError(t, err)

		assert.NotNil(t, deps.repo)
		assert.NotNil(t, deps.outboxRepo)
		assert.Empty(t, deps.checkers)
		deps.close()
	}
}

func TestInitRuntimeDependencies_RequiresConnectionSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		driver string
		want   string
	}{
		{name: "postgres without dsn", driver: StorageDriverPostgres, want: "PIE_POSTGRES_DSN"},
		{name: "mongo without uri", driver: StorageDriverMongo, want: "PIE_MONGO_URI"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := initRuntimeDependencies(context.Background(), Config{
				StorageDriver: tt.driver,
			}, log.WithField("test", tt.name))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, log.WithField("test", "unsupported-driver"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver")
}

func TestRuntimeDependencies_CloseNil(_ *testing.T) {
	var deps *runtimeDependencies
	deps.close()
	(&runtimeDependencies{}).close()
}
