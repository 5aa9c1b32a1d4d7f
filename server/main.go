package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meikuraledutech/flowsync"
	"github.com/meikuraledutech/flowsync/collab"
	"github.com/meikuraledutech/flowsync/config"
	"github.com/meikuraledutech/flowsync/fork"
	"github.com/meikuraledutech/flowsync/memstore"
	"github.com/meikuraledutech/flowsync/merge"
	"github.com/meikuraledutech/flowsync/postgres"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "flowsync",
		Short:        "Versioned workflow graphs with forks, merges and live editing",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the live editing endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	var drop bool
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create (or with --drop, drop) the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()
			store := postgres.New(pool)
			if drop {
				if err := store.DropSchema(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema dropped")
				return nil
			}
			if err := store.CreateSchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema created")
			return nil
		},
	}
	migrateCmd.Flags().BoolVar(&drop, "drop", false, "drop every table instead of creating them")

	root.AddCommand(serveCmd, migrateCmd)
	return root
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

// storage is the store plus its access control and a release func.
type storage struct {
	store  flowsync.Store
	access flowsync.AccessControl
	close  func()
}

func openStore(ctx context.Context, cfg config.Config) (*storage, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		pg := postgres.New(pool)
		return &storage{store: pg, access: pg, close: pool.Close}, nil
	default:
		mem := memstore.New()
		return &storage{store: mem, access: mem, close: func() {}}, nil
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ids := flowsync.UUIDGenerator{}
	forks := fork.NewManager(st.store, st.access, ids,
		fork.WithMetrics(fork.NewMetrics(reg)),
		fork.WithLogger(logger))
	merges := merge.NewService(st.store, st.store, st.access, ids,
		merge.WithMetrics(merge.NewMetrics(reg)),
		merge.WithLogger(logger))

	hubOpts := []collab.Option{
		collab.WithConfig(cfg.HubConfig()),
		collab.WithMetrics(collab.NewMetrics(reg)),
		collab.WithLogger(logger),
	}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Drain()
		hubOpts = append(hubOpts, collab.WithRelay(collab.NewNATSRelay(nc, ids.NewID(), logger)))
	}
	hub := collab.NewHub(st.store, st.access, ids, hubOpts...)
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()

	app := newApp(&api{
		store:  st.store,
		access: st.access,
		ids:    ids,
		forks:  forks,
		merges: merges,
		hub:    hub,
		logger: logger.Named("http"),
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", collab.NewHandler(hub, ids, originChecker(cfg.WS.AllowedOrigins), logger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	wsServer := &http.Server{Addr: cfg.WS.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errs := make(chan error, 2)
	go func() {
		errs <- app.Listen(cfg.HTTP.Addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	go func() {
		if err := wsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	logger.Info("flowsync started",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("ws_addr", cfg.WS.Addr),
		zap.String("store", cfg.Store))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		logger.Error("listener failed", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ws shutdown", zap.Error(err))
	}
	if err := <-hubDone; err != nil && runErr == nil {
		runErr = err
	}
	logger.Info("flowsync stopped")
	return runErr
}

// originChecker allows every origin when the list is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool { return set[r.Header.Get("Origin")] }
}
