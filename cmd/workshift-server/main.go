package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ehr/workshift/internal/config"
	"github.com/ehr/workshift/internal/domain/workshift"
	"github.com/ehr/workshift/internal/platform/auth"
	"github.com/ehr/workshift/internal/platform/broker"
	"github.com/ehr/workshift/internal/platform/db"
	"github.com/ehr/workshift/internal/platform/events"
	"github.com/ehr/workshift/internal/platform/logging"
	"github.com/ehr/workshift/internal/platform/middleware"
	"github.com/ehr/workshift/internal/platform/openapi"
	"github.com/ehr/workshift/internal/platform/websocket"
	"github.com/ehr/workshift/migrations"
	"github.com/ehr/workshift/pkg/pagination"
)

const version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "workshift-server",
		Short: "Doctor workshift scheduling API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the workshift API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StorageDriver != config.DriverPostgres {
		return fmt.Errorf("migrations apply to the postgres driver only, STORAGE_DRIVER is %q", cfg.StorageDriver)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2}, zerolog.Nop())
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func seedCmd() *cobra.Command {
	var week string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert a sample week of workshifts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if cfg.StorageDriver == config.DriverMemory {
				return fmt.Errorf("seeding the memory driver has no lasting effect, set STORAGE_DRIVER")
			}
			res, err := runSeed(ctx, cfg, week, zerolog.Nop())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d workshift(s), %d already present.\n", res.Created, res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&week, "week", "", "any date in the week to fill (YYYY-MM-DD), defaults to the current week")
	return cmd
}

// runSeed writes the sample week through the service so the scheduling rules
// apply. Events are not propagated.
func runSeed(ctx context.Context, cfg *config.Config, week string, logger zerolog.Logger) (*workshift.SeedResult, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	ref := time.Now().In(loc)
	if week != "" {
		if ref, err = time.ParseInLocation("2006-01-02", week, loc); err != nil {
			return nil, fmt.Errorf("invalid --week %q: %w", week, err)
		}
	}

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.StorageDriver, err)
	}
	defer st.close()

	return workshift.NewService(st.repo, nil, loc, logger).Seed(ctx, ref)
}

// newLogger builds the process logger. In production with a broker configured
// it also ships log lines through a dedicated publisher, which itself logs to
// stdout only.
func newLogger(cfg *config.Config) (zerolog.Logger, *logging.Output, error) {
	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))

	opts := logging.Options{Dev: cfg.IsDev(), Dir: cfg.LogDir}
	if cfg.ShipLogs() {
		stdout := zerolog.New(os.Stdout).With().Timestamp().Str("component", "log-shipper").Logger()
		opts.Remote = broker.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, stdout)
		opts.RemoteTopic = cfg.LogShipTopic
		opts.RemoteLevel = parseLevel(cfg.LogShipLevel)
		opts.RemoteRate = cfg.LogShipRate
	}
	return logging.New(opts, os.Stdout)
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// storage is the selected repository backend with its health check.
type storage struct {
	driver string
	repo   workshift.Repository
	pinger db.Pinger
	stats  func() interface{}
	close  func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns:     cfg.DBMaxConns,
			MinConns:     cfg.DBMinConns,
			ConnectTries: 5,
		}, logger)
		if err != nil {
			return nil, err
		}
		if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		return &storage{
			driver: cfg.StorageDriver,
			repo:   workshift.NewRepoPG(pool),
			pinger: pool,
			stats:  func() interface{} { return db.GetPoolStats(pool) },
			close:  pool.Close,
		}, nil

	case config.DriverMongo:
		client, err := db.ConnectMongo(ctx, cfg.MongoURL, logger)
		if err != nil {
			return nil, err
		}
		database := client.Database(cfg.MongoDatabase)
		if err := workshift.EnsureIndexes(ctx, database); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		return &storage{
			driver: cfg.StorageDriver,
			repo:   workshift.NewRepoMongo(database),
			pinger: db.MongoPinger(client),
			close:  func() { disconnect(client, logger) },
		}, nil

	default:
		logger.Warn().Msg("using in-memory storage; data is lost on restart")
		return &storage{
			driver: config.DriverMemory,
			repo:   workshift.NewRepoMemory(),
			pinger: db.PingFunc(func(context.Context) error { return nil }),
			close:  func() {},
		}, nil
	}
}

func disconnect(client *mongo.Client, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.Error().Err(err).Msg("mongo disconnect failed")
	}
}

// app is the assembled server.
type app struct {
	echo       *echo.Echo
	dispatcher *events.Dispatcher
	bus        *events.Bus
	hub        *websocket.Hub
	publisher  *broker.Publisher
}

func newApp(cfg *config.Config, st *storage, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &app{bus: events.NewBus()}
	sinks := []events.Sink{a.bus}
	if cfg.AMQPURL != "" {
		a.publisher = broker.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		sinks = append(sinks, a.publisher)
	}
	a.dispatcher = events.NewDispatcher(cfg.EventQueueSize, logger, sinks...)
	a.hub = websocket.NewHub(logger)

	svc := workshift.NewService(st.repo, a.dispatcher, loc, logger)
	handler := workshift.NewHandler(svc, cfg.AuthRoles...)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{pagination.HeaderTotalCount, middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	if cfg.RateLimitRPS > 0 {
		e.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}))
	}

	if cfg.JWTSecret == "" && cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.JWTSecret),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(st.driver, st.pinger, st.stats))

	api := e.Group(cfg.APIPrefix)
	handler.RegisterRoutes(api)
	websocket.NewHandler(a.hub, cfg.CORSOrigins...).RegisterRoutes(api, auth.RequireRole(cfg.AuthRoles...))

	docs := openapi.NewGenerator("Workshift API", version, cfg.APIPrefix)
	handler.Describe(docs)
	docs.RegisterRoutes(api.Group("/docs"), cfg.APIPrefix+"/docs/openapi.json")

	a.echo = e
	return a, nil
}

// start launches the background workers. They stop when ctx is cancelled.
func (a *app) start(ctx context.Context) {
	a.dispatcher.Start()
	go a.hub.Run(ctx, a.bus)
}

// shutdown drains the event queue after the HTTP server stops accepting
// requests.
func (a *app) shutdown(ctx context.Context, logger zerolog.Logger) {
	if err := a.echo.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		logger.Error().Err(err).Uint64("dropped", a.dispatcher.Dropped()).Msg("event queue not drained")
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, logs, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := logs.Close(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}()

	watcher := config.Watch(func(err error) {
		logger.Error().Err(err).Msg("config reload failed")
	})
	watcher.OnChange(func(next *config.Config) {
		lvl := parseLevel(next.LogLevel)
		zerolog.SetGlobalLevel(lvl)
		logger.Info().Str("level", lvl.String()).Msg("log level reloaded")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.StorageDriver, err)
	}
	defer st.close()
	logger.Info().Str("driver", st.driver).Msg("storage ready")

	a, err := newApp(cfg, st, logger)
	if err != nil {
		return err
	}
	a.start(ctx)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx, logger)
	logger.Info().Msg("server stopped")
	return nil
}
