package server

import (
	"context"
	"fmt"
	"log/slog"

	"gateway/internal/config"
	"gateway/internal/eventbus"
	"gateway/internal/grain"
	"gateway/internal/sandbox"
	"gateway/internal/store"
	"gateway/internal/store/memory"
	"gateway/internal/store/repo"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency owns the infrastructure behind the gateway.
// With the memory store driver no Postgres or Redis is needed: events stay
// in-process and asset unrefs run inline.
type Dependency struct {
	Docker      *client.Client
	Redis       *redis.Client
	PG          *pg.DB
	AsynqClient *asynq.Client
	AsynqRedis  asynq.RedisClientOpt
	Store       store.Store
	Bus         eventbus.EventBus
	Spawner     grain.Spawner
	Logger      *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	d := &Dependency{Logger: logger}

	switch cfg.Store.Driver {
	case "memory":
		d.Store = memory.New()
		d.Bus = eventbus.NewMemoryBus()
		logger.Warn("Using in-memory store; sessions will not survive a restart")
	default:
		if err := d.initPersistent(ctx, cfg); err != nil {
			d.Close()
			return nil, err
		}
	}

	spawner, err := d.initSpawner(ctx, cfg)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Spawner = spawner

	return d, nil
}

func (d *Dependency) initPersistent(ctx context.Context, cfg *config.Config) error {
	d.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
	}

	d.PG = pg.Connect(&pg.Options{
		Addr:     cfg.Postgres.Addr,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	if _, err := d.PG.ExecContext(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
	}

	repository := repo.NewRepository(d.PG, d.Redis)
	// Create the database schema.
	if err := repository.CreateSchema(ctx); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	d.Store = repository
	d.Bus = eventbus.NewRedisBus(d.Redis, d.Logger)

	d.AsynqRedis = asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	d.AsynqClient = asynq.NewClient(d.AsynqRedis)
	return nil
}

func (d *Dependency) initSpawner(ctx context.Context, cfg *config.Config) (grain.Spawner, error) {
	if cfg.Grain.Spawner != "docker" {
		return grain.NewExecSpawner(cfg.Grain.SupervisorBin, d.Logger), nil
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	d.Docker = dockerClient
	if _, err := dockerClient.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	return sandbox.NewDockerSpawner(dockerClient, sandbox.ContainerConfig{
		Image:       cfg.Grain.SupervisorImage,
		GrainDir:    cfg.Grain.Dir,
		NetworkName: cfg.Grain.NetworkName,
		MemoryLimit: cfg.Grain.ContainerMem * 1024 * 1024,
		CPULimit:    cfg.Grain.ContainerCPU,
	}, d.Logger), nil
}

func (d *Dependency) Close() {
	if d.AsynqClient != nil {
		d.AsynqClient.Close()
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Docker != nil {
		d.Docker.Close()
	}
}
