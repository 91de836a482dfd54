package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fiscalops/fleetwatch/config"
	"github.com/fiscalops/fleetwatch/internal/bitrix"
	"github.com/fiscalops/fleetwatch/internal/clientsync"
	"github.com/fiscalops/fleetwatch/internal/handlers"
	"github.com/fiscalops/fleetwatch/internal/ingest"
	"github.com/fiscalops/fleetwatch/internal/ingest/ftppoll"
	"github.com/fiscalops/fleetwatch/internal/ingest/kafkapoll"
	"github.com/fiscalops/fleetwatch/internal/repositories/apikey"
	"github.com/fiscalops/fleetwatch/internal/repositories/client"
	"github.com/fiscalops/fleetwatch/internal/repositories/contractor"
	"github.com/fiscalops/fleetwatch/internal/repositories/device"
	"github.com/fiscalops/fleetwatch/internal/repositories/fntask"
	"github.com/fiscalops/fleetwatch/internal/repositories/schema"
	"github.com/fiscalops/fleetwatch/pkg/database"
	"github.com/fiscalops/fleetwatch/pkg/health"
	"github.com/fiscalops/fleetwatch/pkg/httpclient"
	"github.com/fiscalops/fleetwatch/pkg/middleware"
	"github.com/fiscalops/fleetwatch/pkg/redis"
	"github.com/fiscalops/fleetwatch/pkg/scheduler"
	"github.com/fiscalops/fleetwatch/pkg/startup"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("fleetwatch exited with error")
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (ectologger.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	zapLogger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

// dependency adapts closures to the startup graph.
type dependency struct {
	name  string
	deps  []string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (d *dependency) GetName() string     { return d.name }
func (d *dependency) DependsOn() []string { return d.deps }
func (d *dependency) Start(ctx context.Context) error {
	if d.start == nil {
		return nil
	}
	return d.start(ctx)
}
func (d *dependency) Stop(ctx context.Context) error {
	if d.stop == nil {
		return nil
	}
	return d.stop(ctx)
}

func run(ctx context.Context, cfg config.Config, logger ectologger.Logger) error {
	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)

	var (
		db          database.DB
		redisClient *redis.Client
		locker      *redis.Locker
		checker     *health.Checker
		e           *echo.Echo
		syncService *clientsync.Service
		consumer    *kafkapoll.Consumer
		schedulers  []*scheduler.Scheduler

		tracingShutdown func(context.Context) error
	)

	if cfg.TracingEnabled {
		boot.AddDependency(&dependency{
			name: "tracing",
			start: func(ctx context.Context) error {
				shutdown, err := tracing.Setup(ctx, tracing.SetupConfig{
					ServiceName:  cfg.AppName,
					OTLPEndpoint: cfg.OTLPEndpoint,
					OTLPProtocol: cfg.OTLPProtocol,
				})
				if err != nil {
					return err
				}
				tracingShutdown = shutdown
				return nil
			},
			stop: func(ctx context.Context) error {
				if tracingShutdown == nil {
					return nil
				}
				return tracingShutdown(ctx)
			},
		})
	}

	boot.AddDependency(&dependency{
		name: "database",
		start: func(ctx context.Context) error {
			var err error
			db, err = database.Connect(ctx, database.PoolConfig{
				Host:            cfg.DatabaseHost,
				Port:            cfg.DatabasePort,
				UserName:        cfg.DatabaseUserName,
				Password:        cfg.DatabasePassword,
				Name:            cfg.DatabaseName,
				SSLMode:         cfg.DatabaseSSLMode,
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
			}, logger)
			if err != nil {
				return err
			}

			driver, err := migratepg.WithInstance(db.Unwrap().DB, &migratepg.Config{})
			if err != nil {
				return fmt.Errorf("failed to build migration driver: %w", err)
			}
			migrations := database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             uint(cfg.DatabaseMigrationVersion),
				Force:               cfg.DatabaseMigrationForce,
			})
			return migrations.Migrate(cfg.DatabaseName, driver)
		},
		stop: func(ctx context.Context) error {
			if db == nil {
				return nil
			}
			return db.Close()
		},
	})

	if cfg.RedisEnabled {
		boot.AddDependency(&dependency{
			name: "redis",
			start: func(ctx context.Context) error {
				var err error
				redisClient, err = redis.NewClient(redis.Config{
					Host:     cfg.RedisHost,
					Port:     cfg.RedisPort,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				}, logger)
				if err != nil {
					return err
				}
				locker = redis.NewLocker(redisClient, cfg.AppName)
				return nil
			},
			stop: func(ctx context.Context) error {
				if redisClient == nil {
					return nil
				}
				return redisClient.Close()
			},
		})
	}

	appDeps := []string{"database"}
	if cfg.RedisEnabled {
		appDeps = append(appDeps, "redis")
	}

	boot.AddDependency(&dependency{
		name: "application",
		deps: appDeps,
		start: func(ctx context.Context) error {
			var ddlLock schema.Locker
			if locker != nil {
				ddlLock = locker
			}
			registry := schema.NewRegistry(db, logger, ddlLock)
			devices := device.NewRepository(db, logger, registry, device.Config{
				GraceDays: cfg.ExpireGraceDays,
				DayFilter: cfg.DayFilterExpire,
			})
			clients := client.NewRepository(db, logger, registry)
			fntasks := fntask.NewRepository(db, logger, registry, cfg.BitrixEnabled)
			keys := apikey.NewRepository(db, logger)
			contractors := contractor.NewRepository(db, logger)

			httpClient := httpclient.NewClient(httpclient.Config{
				Timeout:         cfg.MonitoringTimeout,
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			}, logger)

			monitor := clientsync.NewMonitor(httpClient, cfg.MonitoringRetries, cfg.MonitoringRetryDelay)
			syncService = clientsync.NewService(devices, clients, monitor, clientsync.Config{
				QueueSize:  cfg.RegistrationQueue,
				SweepDelay: cfg.ClientSyncDelay,
			}, logger)
			devices.SetNewDeviceHook(syncService.Enqueue)
			if err := syncService.Start(ctx); err != nil {
				return err
			}

			pipeline := ingest.NewPipeline(devices, cfg.IngestRecordDelay, logger)

			var remover handlers.DescriptorRemover
			if cfg.FTPEnabled {
				poller := ftppoll.NewPoller(ftppoll.Config{
					Host:        cfg.FTPHost,
					User:        cfg.FTPUser,
					Pass:        cfg.FTPPass,
					RecordDelay: cfg.IngestRecordDelay,
				}, pipeline, fntasks, logger)
				remover = poller

				schedulers = append(schedulers, scheduler.NewScheduler(poller, locker, scheduler.Config{
					Interval:   cfg.UpdatePeriod,
					RunOnStart: true,
				}, logger))
			}

			if cfg.KafkaEnabled {
				consumer = kafkapoll.NewConsumer(kafkapoll.ConsumerConfig{
					Brokers:       cfg.KafkaBrokers,
					Topic:         cfg.KafkaInputTopic,
					ConsumerGroup: cfg.KafkaConsumerGroup,
				}, pipeline, logger)
				if err := consumer.Start(ctx); err != nil {
					return err
				}
			}

			sweep := scheduler.JobFunc{
				JobName: "client-sweep",
				Fn: func(ctx context.Context) error {
					if err := syncService.RefreshAll(ctx); err != nil {
						return err
					}
					return syncService.CollectOrphans(ctx)
				},
			}
			schedulers = append(schedulers, scheduler.NewScheduler(sweep, locker, scheduler.Config{
				Interval: cfg.ClientSyncInterval,
			}, logger))

			if cfg.BitrixEnabled {
				bitrixClient := bitrix.NewClient(httpClient, bitrix.ClientConfig{
					WebhookURL: cfg.BitrixWebhookURL,
					Attempts:   cfg.BitrixAttempts,
					RetryDelay: cfg.BitrixRetryDelay,
				}, logger)

				directorySync := bitrix.NewDirectorySync(bitrixClient, contractors, logger)
				schedulers = append(schedulers, scheduler.NewScheduler(directorySync, locker, scheduler.Config{
					Interval:   cfg.BitrixSyncInterval,
					RunOnStart: true,
				}, logger))

				taskCreator := bitrix.NewTaskCreator(bitrixClient, devices, contractors, fntasks, bitrix.TaskCreatorConfig{
					WindowDays: cfg.BitrixTaskWindowDays,
					TaskDelay:  cfg.BitrixTaskDelay,
				}, logger)
				schedulers = append(schedulers, scheduler.NewScheduler(taskCreator, locker, scheduler.Config{
					Interval: cfg.BitrixTaskInterval,
				}, logger))
			}

			for _, s := range schedulers {
				if err := s.Start(ctx); err != nil {
					return err
				}
			}

			checker = health.NewChecker(db, redisClient, version)

			e = echo.New()
			e.HideBanner = true
			e.HidePort = true
			e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
			e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second

			e.Use(middleware.Context())
			e.Use(middleware.Logger(logger))
			e.HTTPErrorHandler = middleware.Error(logger)

			checker.RegisterRoutes(e)
			e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

			api := e.Group("/api/v1")
			keyed := e.Group("/api/v1", middleware.APIKey(keys, logger, false))
			admin := e.Group("/api/v1", middleware.APIKey(keys, logger, true))

			handlers.NewFiscalHandler(devices, fntasks, remover, logger).RegisterRoutes(api, admin)
			handlers.NewClientHandler(clients, logger).RegisterRoutes(api, admin)
			handlers.NewIngestHandler(pipeline, logger).RegisterRoutes(keyed)
			handlers.NewAPIKeyHandler(keys, logger).RegisterRoutes(admin)
			handlers.NewContractorHandler(contractors, logger).RegisterRoutes(admin)

			return nil
		},
		stop: func(ctx context.Context) error {
			for i := len(schedulers) - 1; i >= 0; i-- {
				_ = schedulers[i].Stop(ctx)
			}
			if consumer != nil {
				_ = consumer.Stop()
			}
			if syncService != nil {
				_ = syncService.Stop(ctx)
			}
			return nil
		},
	})

	boot.AddDependency(&dependency{
		name: "http-server",
		deps: []string{"application"},
		start: func(ctx context.Context) error {
			go func() {
				addr := fmt.Sprintf(":%d", cfg.Port)
				logger.Infof("listening on %s", addr)
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("http server stopped")
				}
			}()
			checker.SetReady(true)
			return nil
		},
		stop: func(ctx context.Context) error {
			if checker != nil {
				checker.SetReady(false)
			}
			if e == nil {
				return nil
			}
			return e.Shutdown(ctx)
		},
	})

	if err := boot.Start(ctx); err != nil {
		return err
	}
	logger.Infof("fleetwatch %s started", version)

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return boot.Stop(stopCtx)
}
