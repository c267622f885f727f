package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/gateway"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/membership"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/persistence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/snapshots"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/tracing"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.InstanceID)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     appConfig.Tracing.Enabled,
		Endpoint:    appConfig.Tracing.Endpoint,
		Insecure:    appConfig.Tracing.Insecure,
		SampleRatio: appConfig.Tracing.SampleRatio,
		InstanceID:  appConfig.InstanceID,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing spans on shutdown failed", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorSet := metrics.New(registry)

	databases := newDatabaseSet(logger)
	defer databases.Close()

	membershipStore, err := newMembershipStore(appConfig.Membership, databases)
	if err != nil {
		return err
	}
	authorizer, err := membership.NewAuthorizer(membership.AuthorizerConfig{
		Store:         membershipStore,
		CacheTTL:      appConfig.Membership.CacheTTL,
		CacheSize:     appConfig.Membership.CacheSize,
		LookupTimeout: appConfig.Membership.LookupTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	documentCodec, closeCodec, err := newCodec(appConfig.Codec, collectorSet, logger)
	if err != nil {
		return err
	}
	defer closeCodec() //nolint:errcheck

	var persister session.Persister
	if appConfig.Snapshots.Enabled {
		store, err := newSnapshotStore(ctx, appConfig.Snapshots, databases)
		if err != nil {
			return err
		}
		snapshotPersister, err := persistence.New(persistence.Config{
			Store:          store,
			Codec:          documentCodec,
			AlertThreshold: appConfig.Snapshots.AlertThreshold,
			Metrics:        collectorSet,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		persister = snapshotPersister
	} else {
		logger.Warn("snapshot persistence disabled, document state lives only in memory")
	}

	bus, err := newBus(appConfig.PubSub, logger)
	if err != nil {
		return err
	}
	defer bus.Close() //nolint:errcheck
	hub, err := fanout.NewHub(fanout.HubConfig{
		Bus:               bus,
		InstanceID:        appConfig.InstanceID,
		ReconcileInterval: appConfig.PubSub.ReconcileInterval,
		Metrics:           collectorSet,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	manager, err := session.NewManager(session.Config{
		Codec:                documentCodec,
		Persister:            persister,
		Broadcaster:          hub,
		DrainGrace:           appConfig.DrainGrace,
		PersistInterval:      appConfig.Snapshots.MinInterval,
		MergeAttempts:        appConfig.Codec.RetryAttempts,
		RetryInitialInterval: appConfig.Codec.RetryInitialInterval,
		Metrics:              collectorSet,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	verifier, err := newVerifier(appConfig.Identity, logger)
	if err != nil {
		return err
	}

	collab, err := gateway.New(gateway.Config{
		Verifier:        verifier,
		Authorizer:      authorizer,
		Sessions:        manager,
		PingInterval:    appConfig.Gateway.PingInterval,
		PongTimeout:     appConfig.Gateway.PongTimeout,
		MaxMessageBytes: appConfig.Gateway.MaxMessageBytes,
		SendBuffer:      appConfig.Gateway.SendBuffer,
		RateLimit:       appConfig.Gateway.RateLimit,
		RateBurst:       appConfig.Gateway.RateBurst,
		RecheckInterval: appConfig.Membership.RecheckInterval,
		OriginPatterns:  appConfig.Gateway.AllowedOrigins,
		Metrics:         collectorSet,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gateway:        collab,
		Gatherer:       registry,
		AllowedOrigins: appConfig.Gateway.AllowedOrigins,
		InstanceID:     appConfig.InstanceID,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return hub.Run(groupCtx, manager)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", zap.Int("connections", collab.ActiveConnections()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		collab.Close()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := manager.Close(shutdownCtx); err != nil {
			logger.Error("flushing rooms on shutdown failed", zap.Error(err))
		}
		return shutdownErr
	})
	return group.Wait()
}

// databaseSet opens each (driver, dsn) pair once so membership and snapshots
// can share a database.
type databaseSet struct {
	logger *zap.Logger
	opened map[string]*gorm.DB
}

func newDatabaseSet(logger *zap.Logger) *databaseSet {
	return &databaseSet{logger: logger, opened: make(map[string]*gorm.DB)}
}

func (s *databaseSet) open(driver, dsn string) (*gorm.DB, error) {
	key := driver + "|" + dsn
	if db, ok := s.opened[key]; ok {
		return db, nil
	}
	db, err := database.Open(driver, dsn, s.logger)
	if err != nil {
		return nil, err
	}
	s.opened[key] = db
	return db, nil
}

func (s *databaseSet) Close() {
	for _, db := range s.opened {
		sqlDB, err := db.DB()
		if err != nil {
			continue
		}
		_ = sqlDB.Close()
	}
}

// newMembershipStore opens the membership database. Tables are only created
// when cfg.Migrate is set; otherwise the schema must already exist.
func newMembershipStore(cfg config.MembershipConfig, databases *databaseSet) (*membership.GormStore, error) {
	db, err := databases.open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := database.MigrateMembership(db); err != nil {
			return nil, err
		}
	}
	return membership.NewGormStore(db)
}

func newCodec(cfg config.CodecConfig, collectorSet *metrics.Collectors, logger *zap.Logger) (codec.Codec, func() error, error) {
	if !cfg.Enabled {
		return codec.NewPool(codec.NewReference(), cfg.Workers, collectorSet), func() error { return nil }, nil
	}
	bridge, err := codec.NewBridge(codec.BridgeConfig{
		Address: cfg.Address(),
		Timeout: cfg.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("codec bridge configured", zap.String("address", cfg.Address()))
	return codec.NewPool(bridge, cfg.Workers, collectorSet), bridge.Close, nil
}

func newSnapshotStore(ctx context.Context, cfg config.SnapshotConfig, databases *databaseSet) (snapshots.Store, error) {
	switch cfg.Backend {
	case config.SnapshotBackendS3:
		s3Config := snapshots.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			Prefix:    cfg.S3.Prefix,
			PathStyle: cfg.S3.PathStyle,
		}
		client, err := snapshots.NewS3Client(ctx, s3Config)
		if err != nil {
			return nil, err
		}
		return snapshots.NewS3Store(client, s3Config, time.Now)
	case config.SnapshotBackendSQL:
		db, err := databases.open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := database.MigrateSnapshots(db, databases.logger); err != nil {
			return nil, err
		}
		return snapshots.NewGormStore(db, time.Now)
	default:
		return nil, fmt.Errorf("snapshot backend %q is not supported", cfg.Backend)
	}
}

func newBus(cfg config.PubSubConfig, logger *zap.Logger) (fanout.Bus, error) {
	if cfg.URL == "" {
		logger.Info("no pubsub url configured, fan-out stays in process")
		return fanout.NewMemoryNetwork().Bus(), nil
	}
	return fanout.NewRedisBus(fanout.RedisConfig{URL: cfg.URL, Channel: cfg.Channel, Logger: logger})
}

func newVerifier(cfg config.IdentityConfig, logger *zap.Logger) (auth.Verifier, error) {
	switch cfg.Mode {
	case config.IdentityModeSharedSecret:
		return auth.NewSharedSecretVerifier(auth.SharedSecretVerifierConfig{
			SigningSecret: []byte(cfg.SigningSecret),
			Issuer:        cfg.Issuer,
		})
	case config.IdentityModeJWKS:
		return auth.NewJWKSVerifier(auth.JWKSVerifierConfig{
			Audience:       cfg.Audience,
			JWKSURL:        cfg.JWKSURL,
			AllowedIssuers: cfg.Issuers,
			Logger:         logger,
		})
	default:
		return nil, fmt.Errorf("identity mode %q is not supported", cfg.Mode)
	}
}
