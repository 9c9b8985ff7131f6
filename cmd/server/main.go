package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/storefront/internal/adapter/event"
	"github.com/rl1809/storefront/internal/adapter/handler"
	"github.com/rl1809/storefront/internal/adapter/storage"
	"github.com/rl1809/storefront/internal/config"
	"github.com/rl1809/storefront/internal/core/service"
	"github.com/rl1809/storefront/internal/logger"
	"github.com/rl1809/storefront/internal/port"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logger.New(logger.Options{})
		fallback.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instanceID := uuid.NewString()
	log = log.With().Str("instance", instanceID).Logger()

	var (
		catalogRepo port.CatalogRepository
		ledger      port.StockLedger
		carts       port.CartRepository
	)
	switch cfg.Storage.Driver {
	case "mysql":
		db, err := openMySQL(ctx, cfg.MySQL)
		if err != nil {
			return err
		}
		defer db.Close()
		log.Info().Msg("connected to mysql")

		if cfg.MySQL.Migrate {
			if err := storage.Migrate(ctx, db); err != nil {
				return err
			}
			log.Info().Msg("applied schema")
		}
		mysqlAdapter := storage.NewMySQLAdapter(db)
		catalogRepo, ledger = mysqlAdapter, mysqlAdapter
		carts = storage.NewMySQLCartAdapter(db)
	default:
		mem := storage.NewMemoryStore()
		catalogRepo, ledger, carts = mem, mem, mem
		log.Warn().Msg("using in-memory storage, data is lost on exit")
	}

	var (
		cache port.CatalogCache
		idem  port.IdempotencyStore
	)
	switch cfg.Cache.Driver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		log.Info().Msg("connected to redis")

		redisAdapter := storage.NewRedisAdapter(rdb, cfg.Redis.KeyPrefix)
		if err := redisAdapter.Reset(ctx); err != nil {
			return err
		}
		cache, idem = redisAdapter, redisAdapter
	default:
		cache = storage.NewMemoryCache()
		idem = storage.NewMemoryIdempotency(storage.DefaultIdempotencyTTL)
	}

	g, gctx := errgroup.WithContext(ctx)

	var events port.EventPublisher
	if cfg.Kafka.Enabled {
		publisher := event.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, instanceID)
		defer publisher.Close()
		events = publisher

		subscriber := event.NewKafkaSubscriber(cfg.Kafka.Brokers, cfg.Kafka.Topic,
			cfg.Kafka.GroupID+"-"+instanceID, instanceID, cache, log)
		defer subscriber.Close()
		g.Go(func() error { return subscriber.Run(gctx) })
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("catalog events enabled")
	}

	catalogService := service.NewCatalogService(catalogRepo, cache, events, log)
	cartService := service.NewCartService(carts, catalogRepo, ledger, idem, log)

	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(catalogService, cartService, log).Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.GRPC.Addr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})

	httpHandler := handler.NewHTTPHandler(catalogService, cartService, log)
	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: handler.NewRouter(httpHandler, handler.RouterOptions{
			Authenticator: handler.HeaderAuthenticator{
				UserHeader:  cfg.Auth.UserHeader,
				RolesHeader: cfg.Auth.RolesHeader,
			},
			AdminRole: cfg.Auth.AdminRole,
			Logger:    log,
		}),
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown failed")
		}
		log.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info().Msg("gRPC server stopped")
		return nil
	})

	err = g.Wait()
	log.Info().Msg("servers stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openMySQL(ctx context.Context, cfg config.MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
