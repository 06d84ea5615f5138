package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/zhouchongyu/work-assistant-sub001/internal/api"
	"github.com/zhouchongyu/work-assistant-sub001/internal/ledger"
	"github.com/zhouchongyu/work-assistant-sub001/internal/logger"
	"github.com/zhouchongyu/work-assistant-sub001/internal/matcher"
	"github.com/zhouchongyu/work-assistant-sub001/internal/notify"
	"github.com/zhouchongyu/work-assistant-sub001/internal/reconciler"
	"github.com/zhouchongyu/work-assistant-sub001/internal/scheduler"
	"github.com/zhouchongyu/work-assistant-sub001/internal/storage"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the callback API, the match worker pool and the rematch scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := getConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer log.Sync() //nolint:errcheck

		return serve(cmd.Context(), cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context, cfg *Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	weights, err := matcher.LoadWeights(cfg.Matcher.WeightsFile)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}

	var pusher notify.Pusher = &notify.LogPusher{Logger: log.Named("push")}
	if cfg.Email.Enabled() {
		pusher = notify.NewEmailPusher(cfg.Email, nil)
	}

	lg := ledger.New(store.DB())
	engine := matcher.NewEngine(store, weights, log.Named("matcher"))
	bridge := notify.NewBridge(store, engine, pusher, log.Named("notify"))
	pool := matcher.NewPool(bridge, cfg.Matcher.Workers, cfg.Matcher.QueueSize, log.Named("pool"))
	rec := reconciler.New(store, lg, pool, bridge, log.Named("reconciler"))
	sched := scheduler.NewScheduler(store, pool, cfg.Scheduler, log.Named("scheduler"))

	handler := api.NewHandler(store, rec, pool, sched, cfg.API, log.Named("api"))
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := pool.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := sched.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
