package postgres

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	total := len(migrations)
	latest := migrations[total-1].Version

	if _, err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("migrate down reset: %v", err)
	}

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after reset: %v", err)
	}
	if state.Version != 0 || state.Applied != 0 || len(state.Pending) != total {
		t.Fatalf("unexpected status after reset: %+v", state)
	}

	applied, err := store.MigrateUp(ctx, 0)
	if err != nil {
		t.Fatalf("migrate up all: %v", err)
	}
	if len(applied) != total {
		t.Fatalf("expected %d applied migrations, got %v", total, applied)
	}

	// Повторный up ничего не меняет.
	applied, err = store.MigrateUp(ctx, 0)
	if err != nil {
		t.Fatalf("idempotent migrate up: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no-op up, got %v", applied)
	}
	state, err = store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after up: %v", err)
	}
	if state.Version != latest || state.Applied != total || len(state.Pending) != 0 {
		t.Fatalf("unexpected status after up: %+v", state)
	}

	rolledBack, err := store.MigrateDown(ctx, 0)
	if err != nil {
		t.Fatalf("migrate down default step: %v", err)
	}
	if len(rolledBack) != 1 {
		t.Fatalf("expected single step rollback, got %v", rolledBack)
	}
	state, err = store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after down: %v", err)
	}
	if state.Applied != total-1 || len(state.Pending) != 1 {
		t.Fatalf("unexpected status after down: %+v", state)
	}

	if _, err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("restore schema: %v", err)
	}
}

func TestMigrator_NilStoreGuards(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := nilStore.MigrateUp(ctx, 0); err == nil {
		t.Fatal("expected error for nil store MigrateUp")
	}
	if _, err := nilStore.MigrateDown(ctx, 1); err == nil {
		t.Fatal("expected error for nil store MigrateDown")
	}
	if _, err := nilStore.MigrationStatus(ctx); err == nil {
		t.Fatal("expected error for nil store MigrationStatus")
	}

}

func TestMigrator_PostgresRefusesDriftedSchema(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	t.Cleanup(func() {
		known, err := loadMigrationsFromFS(migrationsFS)
		if err != nil {
			return
		}
		_, _ = store.DB().ExecContext(context.Background(),
			`UPDATE schema_migrations SET checksum = $1 WHERE version = 1`, known[0].checksum())
	})

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	if len(state.Drifted) != 1 || state.Drifted[0] != "0001_init" {
		t.Fatalf("expected drift on 0001_init, got %+v", state)
	}
	if _, err := store.MigrateUp(ctx, 0); !errors.Is(err, ErrMigrationDrift) {
		t.Fatalf("expected ErrMigrationDrift, got %v", err)
	}
}
