package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/api"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/backoffice"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/config"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/directory"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/engine"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/grn"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/logging"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/media"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/recognition"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/redis"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/session"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/storage"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/whatsapp"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/worker"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the webhook server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			logging.Init(cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "create missing tables before serving")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, migrate bool) error {
	driver := cfg.BasicConfig.Database
	log.Info().Str("driver", driver).Msg("opening database")
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if migrate {
		if err := storage.Migrate(db, driver); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	var (
		store session.Store = session.NewMemoryStore()
		rdb   *redis.Client
		bus   *worker.CancelBus
	)
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		store = session.NewRedisStore(rdb)
		bus = worker.NewCancelBus(rdb, uuid.NewString())
	} else {
		log.Warn().Msg("redis disabled, sessions are kept in process memory")
	}

	backend, err := media.NewStorage(ctx, cfg.Media)
	if err != nil {
		return fmt.Errorf("init media storage: %w", err)
	}
	mediaStore := media.NewStore(backend, media.NewRegistry(db), time.Duration(cfg.Media.TTL)*time.Minute)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	mediaStore.StartJanitor(janitorCtx, time.Duration(cfg.Media.CleanInterval)*time.Minute)

	recognizer, err := recognition.NewRecognizer(ctx, cfg.Recognition)
	if err != nil {
		return fmt.Errorf("init recognizer: %w", err)
	}

	wa := whatsapp.NewClient(cfg.WhatsApp)
	runner := worker.NewTaskRunner()
	deps := engine.Deps{
		Store:      store,
		Runner:     runner,
		Notifier:   wa,
		Directory:  directory.NewService(db, driver),
		Fetcher:    wa,
		Media:      mediaStore,
		Recognizer: recognizer,
		Backoffice: backoffice.NewClient(cfg.Backoffice),
		GRN:        grn.NewClient(cfg.GRN),
	}
	if bus != nil {
		deps.Canceller = bus
	}
	eng := engine.New(deps, engine.Options{
		SessionTTL:       cfg.SessionTTL(),
		MaxImages:        cfg.BasicConfig.MaxImagesPerBatch,
		DedupeDeliveries: cfg.BasicConfig.DedupeDeliveries,
		BatchTimeout:     config.Seconds(cfg.BasicConfig.BatchTimeout),
		CommitTimeout:    config.Seconds(cfg.BasicConfig.CommitTimeout),
		GRNTimeout:       config.Seconds(cfg.BasicConfig.GRNTimeout),
		Concurrency:      cfg.Recognition.Concurrency,
		NewID:            uuid.NewString,
	})

	if bus != nil {
		listenCtx, stopListen := context.WithCancel(context.Background())
		defer stopListen()
		if err := bus.Listen(listenCtx, eng.CancelLocal); err != nil {
			return fmt.Errorf("subscribe cancellations: %w", err)
		}
	}

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: config.Seconds(cfg.BasicConfig.WorkerIdleTimeout),
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(eng, dispatcher, cfg.WhatsApp.VerifyToken, healthCheck(db, rdb)).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("webhook server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("dispatcher did not drain")
	}
	if err := runner.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("background tasks did not finish")
	}
	return nil
}

func healthCheck(db *sql.DB, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if raw := rdb.Raw(); raw != nil {
			if err := raw.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
