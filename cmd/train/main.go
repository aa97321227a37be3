// Command train runs one training session offline and registers the
// resulting policy in the configured model store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"vrpopt/internal/config"
	"vrpopt/internal/logging"
	"vrpopt/internal/model"
	"vrpopt/internal/store"
	"vrpopt/internal/training"
)

func main() {
	var (
		cfgPath   = flag.String("config", "", "path to YAML config (default $VRP_CONFIG)")
		name      = flag.String("name", "", "model name")
		episodes  = flag.Int("episodes", 0, "training episodes")
		customers = flag.Int("customers", 0, "customers per synthetic instance")
		vehicles  = flag.Int("vehicles", 0, "vehicles per synthetic instance")
		capacity  = flag.Int("capacity", 0, "vehicle capacity")
		seed      = flag.Int64("seed", 0, "random seed (0 = time based)")
		dueling   = flag.Bool("dueling", false, "use the dueling network head")
		per       = flag.Bool("prioritized", false, "use prioritized replay")
		activate  = flag.Bool("activate", false, "make the trained model active")
	)
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

	mgr := training.NewManager(cfg, st, nil)
	runID, err := mgr.Start(model.TrainingConfig{
		ModelName:       *name,
		Episodes:        *episodes,
		NumCustomers:    *customers,
		NumVehicles:     *vehicles,
		VehicleCapacity: *capacity,
		Dueling:         *dueling || cfg.Agent.Dueling,
		Prioritized:     *per || cfg.Agent.Prioritized,
		Activate:        *activate || cfg.Training.ActivateOnComplete,
		Seed:            *seed,
	})
	if err != nil {
		log.Fatalf("start training: %v", err)
	}
	log.WithField("run", runID).Info("training run started; interrupt to stop early")

	go func() {
		<-ctx.Done()
		if mgr.Stop() {
			log.Info("stop requested, finishing current episode")
		}
	}()
	if err := mgr.Wait(context.Background()); err != nil {
		log.Fatalf("wait: %v", err)
	}

	status := mgr.Status()
	if status.Error != "" {
		log.Fatalf("training failed: %s", status.Error)
	}
	res, _ := mgr.LastResult()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
}
