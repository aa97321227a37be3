package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"vrpopt/internal/api"
	"vrpopt/internal/config"
	"vrpopt/internal/logging"
	"vrpopt/internal/opt"
	"vrpopt/internal/store"
	"vrpopt/internal/training"
	"vrpopt/internal/webhooks"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (default $VRP_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.Setup(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("open model store: %v", err)
	}
	defer st.Close()

	var broker api.EventBroker = api.NewBroker()
	if cfg.Storage.RedisURL != "" {
		rb, err := api.NewRedisBroker(ctx, cfg.Storage.RedisURL)
		if err != nil {
			log.WithError(err).Warn("redis broker unavailable, using in-memory events")
		} else {
			defer rb.Close()
			broker = rb
		}
	}

	notifier := webhooks.NewNotifier(cfg.Notify)
	go notifier.Run(ctx)

	events := api.TrainingEvents(broker)
	mgr := training.NewManager(cfg, st, func(kind string, payload any) {
		events(kind, payload)
		notifier.TrainingEvent(kind, payload)
	})

	modelName := cfg.Optimizer.ModelName
	if modelName == "" {
		modelName = cfg.Training.ModelName
	}
	learned := opt.NewLearned(cfg.Reward, cfg.Storage.ModelDir, modelName, cfg.Optimizer.KmScale, st)
	mgr.OnComplete(func(training.Result) { learned.Invalidate() })

	opts := []opt.Option{opt.WithLearned(learned)}
	if cfg.Optimizer.ExactURL != "" {
		opts = append(opts, opt.WithExact(opt.NewExact(cfg.Optimizer.ExactURL, cfg.Optimizer.ExactTimeout)))
	}
	if cfg.Optimizer.RoutingURL != "" {
		opts = append(opts, opt.WithRoads(opt.NewOSRM(cfg.Optimizer.RoutingURL, cfg.Optimizer.RoutingTimeout, cfg.Optimizer.RoutingRPS)))
	}
	orch := opt.NewOrchestrator(cfg.Optimizer, opts...)

	srvDeps := api.NewServer(cfg, st, orch, mgr, broker)
	srvDeps.OnModelsChanged = learned.Invalidate
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srvDeps.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(srvDeps.CloseStreams)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if mgr.Stop() {
		log.Info("stopping active training run")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := mgr.Wait(shutdownCtx); err != nil {
		log.WithError(err).Warn("training run did not finish before shutdown")
	}
}
