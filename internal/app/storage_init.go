package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/grocery/internal/health"
	"github.com/vladislavdragonenkov/grocery/internal/storage/memory"
	"github.com/vladislavdragonenkov/grocery/internal/storage/postgres"
)

// runtimeDependencies: репозитории выбранного хранилища и функция его закрытия.
type runtimeDependencies struct {
	catalogRepo     domain.CatalogRepository
	orderRepo       domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

// initRuntimeDependencies создаёт хранилище по cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		store := memory.NewStore()
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			catalogRepo:     memory.NewCatalogRepository(store),
			orderRepo:       memory.NewOrderRepository(store),
			outboxRepo:      memory.NewOutboxRepository(store),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker: healthcheck.NewSimpleChecker("storage", func(context.Context) error {
				return nil
			}),
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage requires %sPOSTGRES_DSN", envPrefix)
		}

		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.PoolOptions{
			MaxOpenConns:    cfg.PostgresMaxConns,
			ConnMaxLifetime: cfg.PostgresConnMaxLife,
		})
		if err != nil {
			return nil, err
		}

		if cfg.PostgresAutoMigrate {
			applied, err := store.MigrateUp(ctx, 0)
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.WithField("applied", applied).Info("postgres migrations applied")
		}

		logger.Info("using postgres storage")
		return &runtimeDependencies{
			catalogRepo:     postgres.NewCatalogRepository(store),
			orderRepo:       postgres.NewOrderRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			storageChecker:  healthcheck.NewSimpleChecker("storage", store.Ping),
			closeFn:         store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}
}
