package cmd

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/config"
	"github.com/alimasry/go-whiteboard/server"
	"github.com/alimasry/go-whiteboard/store"
)

func newRelayCommand(vip *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, logger, err := setup(vip)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runRelay(cmd.Context(), conf, logger)
		},
	}
	f := cmd.Flags()
	f.String("tcp-addr", defaults.Relay.TCPAddr, "raw TCP listen address")
	f.String("http-addr", defaults.Relay.HTTPAddr, "HTTP listen address for /ws, /api and /metrics")
	f.String("store", defaults.Store.Kind, "log store: memory, cached, firestore, redis, postgres")
	f.String("backing", defaults.Store.Backing, "store behind the cache when --store=cached")
	f.Duration("flush-interval", defaults.Store.FlushInterval, "write-behind flush interval")
	f.String("firestore-project", defaults.Store.FirestoreProject, "Google Cloud project for the firestore store")
	f.String("redis-addr", defaults.Store.RedisAddr, "Redis address for the redis store")
	f.String("postgres-dsn", defaults.Store.PostgresDSN, "connection string for the postgres store")
	mustBind(vip, "relay.tcp-addr", f.Lookup("tcp-addr"))
	mustBind(vip, "relay.http-addr", f.Lookup("http-addr"))
	mustBind(vip, "store.kind", f.Lookup("store"))
	mustBind(vip, "store.backing", f.Lookup("backing"))
	mustBind(vip, "store.flush-interval", f.Lookup("flush-interval"))
	mustBind(vip, "store.firestore-project", f.Lookup("firestore-project"))
	mustBind(vip, "store.redis-addr", f.Lookup("redis-addr"))
	mustBind(vip, "store.postgres-dsn", f.Lookup("postgres-dsn"))
	return cmd
}

func runRelay(ctx context.Context, conf config.Config, logger *zap.Logger) error {
	st, closeStore, err := openStore(ctx, conf.Store, logger.Named("store"))
	if err != nil {
		return err
	}
	defer closeStore()

	hub := server.NewHub(st, server.WithLogger(logger.Named("relay")), server.WithConfig(conf.Relay))
	srv := server.NewServer(hub, server.WithLogger(logger.Named("relay")), server.WithConfig(conf.Relay))
	return srv.Serve(ctx)
}

// openStore builds the configured store and a func releasing it.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.DocumentStore, func(), error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return store.NewMemoryStore(), func() {}, nil

	case config.StoreCached:
		inner := cfg
		inner.Kind = cfg.Backing
		backing, closeBacking, err := openStore(ctx, inner, logger)
		if err != nil {
			return nil, nil, err
		}
		cs := store.NewCachedStore(backing, cfg.FlushInterval, store.WithLogger(logger))
		return cs, func() {
			cs.Close()
			closeBacking()
		}, nil

	case config.StoreFirestore:
		if cfg.FirestoreProject == "" {
			return nil, nil, fmt.Errorf("firestore store needs a project")
		}
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		return store.NewFirestoreStore(client), func() { client.Close() }, nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedisStore(rdb, cfg.RedisPrefix), func() { rdb.Close() }, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		ps := store.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		return ps, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Kind)
}
