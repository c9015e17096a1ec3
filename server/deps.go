package server

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"os"
	"proctoring-recorder/config"
	"proctoring-recorder/constant"
	"proctoring-recorder/pkg/storage"
	"proctoring-recorder/repository"
	"proctoring-recorder/service"
)

func SetupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", cfg.App.Name).
		Logger()
	return logger.WithContext(context.Background())
}

// NewBackends builds every configured storage backend. The object store is
// optional unless it is the default.
func NewBackends(ctx context.Context, cfg *config.Config) (*storage.Registry, error) {
	local, err := storage.NewLocal(cfg.Backends.LocalRoot)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	backends := []storage.Backend{local}

	if cfg.Storage != nil {
		objectStore := storage.NewObjectStore(cfg.Storage, cfg.MinIOBucket)
		if err := objectStore.EnsureBucket(ctx, cfg.MinIORegion); err != nil {
			return nil, fmt.Errorf("object storage: %w", err)
		}
		backends = append(backends, objectStore)
	}

	registry, err := storage.NewRegistry(cfg.Backends.Default, backends...)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("default_backend", cfg.Backends.Default.String()).
		Int("backends", len(backends)).
		Msg("storage backends ready")
	return registry, nil
}

func NewRepository(cfg *config.Config) (repository.ReportRepository, error) {
	return repository.NewRepo(cfg.DB)
}

func RetryPolicy(cfg *config.Config) service.RetryPolicy {
	return service.RetryPolicy{
		MaxTries:    cfg.Merge.MaxTries,
		MaxInterval: cfg.Merge.MaxInterval,
	}
}
