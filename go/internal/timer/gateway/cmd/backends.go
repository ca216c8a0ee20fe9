package main

import (
	"context"
	"fmt"

	"github.com/mcdev12/timergate/go/internal/sharedstore"
	"github.com/mcdev12/timergate/go/internal/timer"
	"github.com/rs/zerolog/log"
)

// backends holds the external connections the gateway runs on
type backends struct {
	store   sharedstore.Store
	bus     sharedstore.Bus
	repo    timer.Repository
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func setupBackends(ctx context.Context, cfg *Config) (*backends, error) {
	b := &backends{}
	if err := b.setupSharedStore(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.setupRepository(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backends) setupSharedStore(ctx context.Context, cfg *Config) error {
	if cfg.Fanout.Backend == backendMemory {
		log.Warn().Msg("using in-process shared store; connection counts are not shared between gateways")
		mem := sharedstore.NewMemoryStore()
		b.store, b.bus = mem, mem
		b.closers = append(b.closers, func() { mem.Close() })
		return nil
	}

	rs, err := sharedstore.NewRedisStore(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	b.store, b.bus = rs, rs
	b.closers = append(b.closers, func() {
		if err := rs.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis")
		}
	})

	if cfg.Fanout.Backend == backendNATS {
		nb, err := sharedstore.NewNATSBus(cfg.NATS)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		b.bus = nb
		b.closers = append(b.closers, func() {
			if err := nb.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close NATS")
			}
		})
	}
	return nil
}

func (b *backends) setupRepository(ctx context.Context, cfg *Config) error {
	switch cfg.Storage.Backend {
	case backendPostgres:
		pool, err := cfg.Storage.Postgres.Connect(ctx)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, pool.Close)

		repo := timer.NewPostgresRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		b.repo = repo
		log.Info().Str("database", cfg.Storage.Postgres.Database).Msg("timer storage: postgres")

	case backendMongo:
		client, err := timer.ConnectMongo(ctx, cfg.Storage.Mongo)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to disconnect mongo")
			}
		})
		coll := client.Database(cfg.Storage.Mongo.Database).Collection(cfg.Storage.Mongo.Collection)
		b.repo = timer.NewMongoRepository(coll)
		log.Info().Str("database", cfg.Storage.Mongo.Database).Msg("timer storage: mongo")

	default:
		log.Warn().Msg("timer storage: in-memory, timers are lost on restart")
		b.repo = timer.NewMemoryRepository()
	}
	return nil
}
