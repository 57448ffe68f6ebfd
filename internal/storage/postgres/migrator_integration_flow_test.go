package postgres

import (
	"context"
	"testing"
	"time"
)

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Сбрасываем состояние миграций.
	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("migrate down reset: %v", err)
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after reset: %v", err)
	}
	if version != 0 || count != 0 {
		t.Fatalf("unexpected status after reset: version=%d count=%d", version, count)
	}
	pending, err := store.PendingMigrations(ctx)
	if err != nil {
		t.Fatalf("pending migrations after reset: %v", err)
	}
	if len(pending) != 2 || pending[0] != "0001_day_orders" {
		t.Fatalf("unexpected pending migrations after reset: %v", pending)
	}

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up all: %v", err)
	}
	version, count, err = store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after up all: %v", err)
	}
	if version != 2 || count != 2 {
		t.Fatalf("unexpected status after up all: version=%d count=%d", version, count)
	}
	if pending, err := store.PendingMigrations(ctx); err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending migrations after up all, got %v (err=%v)", pending, err)
	}

	// Повторный up ничего не меняет.
	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("idempotent migrate up: %v", err)
	}
	version, count, err = store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after idempotent up: %v", err)
	}
	if version != 2 || count != 2 {
		t.Fatalf("unexpected status after idempotent up: version=%d count=%d", version, count)
	}

	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("migrate down 1: %v", err)
	}
	version, count, err = store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after down 1: %v", err)
	}
	if version != 1 || count != 1 {
		t.Fatalf("unexpected status after down 1: version=%d count=%d", version, count)
	}

	if err := store.MigrateDown(ctx, 0); err != nil {
		t.Fatalf("migrate down default step: %v", err)
	}
	version, count, err = store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after down default: %v", err)
	}
	if version != 0 || count != 0 {
		t.Fatalf("unexpected status after down default: version=%d count=%d", version, count)
	}

	// down на пустой схеме ничего не делает.
	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("migrate down on empty should be no-op: %v", err)
	}
}

func TestMigrator_GuardsAndFailedStep(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := nilStore.MigrateUp(ctx, 0); err == nil {
		t.Fatal("expected error for nil store MigrateUp")
	}
	if err := nilStore.MigrateDown(ctx, 1); err == nil {
		t.Fatal("expected error for nil store MigrateDown")
	}
	if _, _, err := nilStore.MigrationStatus(ctx); err == nil {
		t.Fatal("expected error for nil store MigrationStatus")
	}
	if _, err := nilStore.PendingMigrations(ctx); err == nil {
		t.Fatal("expected error for nil store PendingMigrations")
	}

	store := openRawPostgresStoreForIntegrationTest(t)
	broken := migration{Version: 9999, Name: "broken", UpSQL: "SELECT * FROM pie_missing_table", DownSQL: "SELECT 1"}
	err := store.withMigrator(ctx, true, func(m *migrator, _ []migration) error {
		return m.step(ctx, broken, migrationUp)
	})
	if err == nil {
		t.Fatal("expected failed migration step")
	}

	// Неудачный шаг не оставляет записи в schema_migrations.
	version, _, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after failed step: %v", err)
	}
	if version == broken.Version {
		t.Fatal("failed migration must not be recorded")
	}
}
