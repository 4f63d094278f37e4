package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskboard/api"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/events"
	"taskboard/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the board HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// backend is a store that can also be pinged and closed.
type backend interface {
	domain.Store
	Ping(ctx context.Context) error
	Close() error
}

func serve(ctx context.Context, cfg config.Config) error {
	base, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer base.Close()

	var (
		store      domain.Store = base
		deduper    api.Deduper
		publishers events.Fanout
		checks     = []func(context.Context) error{base.Ping}
	)
	broker := events.NewBroker()

	if cfg.RedisConnectionString != "" {
		opts, err := config.RedisOptions(cfg.RedisConnectionString)
		if err != nil {
			return err
		}
		rc := redis.NewClient(opts)
		defer rc.Close()
		store = storage.NewCache(base, rc, cfg.BoardCacheTTL)
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		publishers = append(publishers, events.NewRedisPublisher(rc, cfg.UpdatesChannel))
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		go broker.Run(ctx, rc, cfg.UpdatesChannel)
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set; board cache, idempotency and cross-instance updates disabled")
		publishers = append(publishers, broker)
	}

	if cfg.EventsQueue != "" {
		qp, err := events.NewQueuePublisher(cfg.StorageConnectionString, cfg.EventsQueue)
		if err != nil {
			return fmt.Errorf("events queue: %w", err)
		}
		publishers = append(publishers, qp)
	}

	dispatcher := events.NewDispatcher(publishers, events.DispatcherOptions{
		Workers:        cfg.EnqueueWorkers,
		Buffer:         cfg.EnqueueBuffer,
		PublishTimeout: cfg.EnqueueTimeout,
		HandoffTimeout: cfg.HandoffTimeout,
	}, log.StandardLogger())
	defer dispatcher.Close()

	auth, err := newAuth(ctx, cfg)
	if err != nil {
		return err
	}

	e := api.New(api.Deps{
		Service: domain.NewTaskService(store),
		Auth:    auth,
		Deduper: deduper,
		Events:  dispatcher,
		Stream:  broker,
		Health: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: log.StandardLogger(),
	}, cfg.AllowedOrigins...)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("board api listening")
		errCh <- e.Start(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("shutting down")
	return e.Shutdown(shutdownCtx)
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.StorageBackend {
	case config.BackendTables:
		st, err := storage.NewTableStore(cfg.StorageConnectionString, tableNames(cfg))
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return st, nil
	default:
		st, err := storage.OpenSQL(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return st, nil
	}
}

func tableNames(cfg config.Config) storage.TableNames {
	return storage.TableNames{Tasks: cfg.TasksTable, Projects: cfg.ProjectsTable, Members: cfg.MembersTable}
}

func newAuth(ctx context.Context, cfg config.Config) (*api.Auth, error) {
	opts := api.AuthOptions{HMACSecret: cfg.HMACSecret(), KeyCacheTTL: cfg.JWKSCacheTTL}
	if len(opts.HMACSecret) > 0 {
		log.Warn("verifying tokens with a local shared secret")
		return api.NewAuth(nil, cfg.Auth0Audience, "", opts), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Error("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/", opts), nil
}
