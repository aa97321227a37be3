package opt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"vrpopt/internal/config"
	"vrpopt/internal/dqn"
	"vrpopt/internal/env"
	"vrpopt/internal/model"
	"vrpopt/internal/training"
	"vrpopt/internal/vrp"
)

// ModelLookup resolves registry rows. ActiveModel returns an error when no
// model is active.
type ModelLookup interface {
	GetModel(ctx context.Context, name string) (model.ModelInfo, error)
	ActiveModel(ctx context.Context) (model.ModelInfo, error)
}

// Learned runs one greedy rollout of a trained policy. Each vehicle makes a
// single trip, so per-vehicle capacity holds for the whole route.
type Learned struct {
	reward      config.Reward
	dir         string
	defaultName string
	kmScale     float64
	lookup      ModelLookup

	mu    sync.Mutex
	cache map[string]*policy
}

// policy is a loaded agent. The network caches activations during a forward
// pass, so inference on one policy is serialized.
type policy struct {
	mu    sync.Mutex
	name  string
	agent *dqn.Agent
}

// NewLearned loads artifacts from dir. lookup may be nil, in which case the
// requested or default name maps straight to {dir}/{name}.json.
func NewLearned(rw config.Reward, dir, defaultName string, kmScale float64, lookup ModelLookup) *Learned {
	return &Learned{
		reward:      rw,
		dir:         dir,
		defaultName: defaultName,
		kmScale:     kmScale,
		lookup:      lookup,
		cache:       map[string]*policy{},
	}
}

// Invalidate drops cached policies so the next request reloads from disk.
func (l *Learned) Invalidate() {
	l.mu.Lock()
	l.cache = map[string]*policy{}
	l.mu.Unlock()
}

func (l *Learned) Solve(ctx context.Context, req *model.OptimizeRequest) (Plan, error) {
	p, err := l.policy(ctx, req.ModelName)
	if err != nil {
		return Plan{}, err
	}
	cfg := p.agent.Config()
	slots := cfg.ActionDim - 1
	if len(req.Customers) > slots {
		return Plan{}, fmt.Errorf("%w: %d customers, policy %s has %d slots", ErrModelTooSmall, len(req.Customers), p.name, slots)
	}

	inst := vrp.FromRequest(req.Depot, req.Customers, req.Vehicles, cfg.MaxDemand)
	e := env.New(l.reward, env.Options{Slots: slots, SingleTrip: true})
	if e.StateDim() != cfg.StateDim {
		return Plan{}, fmt.Errorf("%w: policy %s expects state %d, environment gives %d", ErrNoModel, p.name, cfg.StateDim, e.StateDim())
	}

	p.mu.Lock()
	reward, q, err := training.Rollout(e, p.agent, inst)
	p.mu.Unlock()
	if err != nil {
		return Plan{}, fmt.Errorf("learned: rollout: %w", err)
	}

	vehicles := e.Vehicles()
	orders := make([][]int, len(vehicles))
	for i, v := range vehicles {
		orders[i] = append([]int(nil), v.Route...)
	}
	return Plan{
		Orders: orders,
		Metrics: map[string]any{
			"method":              "learned",
			"model_name":          p.name,
			"rl_reward":           reward,
			"efficiency":          q.EfficiencyRatio,
			"service_rate":        q.ServiceRate,
			"normalized_distance": q.TotalDistance,
			"scaled_km":           q.TotalDistance * l.kmScale,
		},
	}, nil
}

func (l *Learned) policy(ctx context.Context, requested string) (*policy, error) {
	name, path, err := l.resolve(ctx, requested)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.cache[path]; ok {
		return p, nil
	}
	agent, err := dqn.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrNoModel, name, err)
	}
	agent.SetEpsilon(0)
	p := &policy{name: name, agent: agent}
	l.cache[path] = p
	log.WithFields(log.Fields{"model": name, "path": path}).Info("policy loaded")
	return p, nil
}

// resolve picks the artifact: the requested name, else the registry's
// active model, else the configured default.
func (l *Learned) resolve(ctx context.Context, requested string) (string, string, error) {
	name := requested
	var info model.ModelInfo
	var err error
	switch {
	case l.lookup != nil && name != "":
		info, err = l.lookup.GetModel(ctx, name)
	case l.lookup != nil:
		info, err = l.lookup.ActiveModel(ctx)
		if err == nil {
			name = info.Name
		}
	}
	if err != nil {
		log.WithError(err).WithField("model", name).Debug("model registry lookup failed")
	}
	if name == "" {
		name = l.defaultName
	}
	if name == "" {
		return "", "", ErrNoModel
	}
	for _, path := range []string{info.FilePath, filepath.Join(l.dir, name+".json")} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return name, path, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", "", fmt.Errorf("%w: %v", ErrNoModel, err)
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrNoModel, name)
}
