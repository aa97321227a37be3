// Package training drives the learner against the route construction
// environment and manages the single background training run.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"vrpopt/internal/config"
	"vrpopt/internal/dqn"
	"vrpopt/internal/env"
	"vrpopt/internal/model"
	"vrpopt/internal/vrp"
)

const avgWindow = 100

// Progress is reported once per completed episode, in episode order.
type Progress struct {
	Episode   int     `json:"episode"`
	Reward    float64 `json:"reward"`
	Epsilon   float64 `json:"epsilon"`
	AvgReward float64 `json:"avg_reward"`
	Loss      float64 `json:"loss"`
}

type ProgressFunc func(Progress)

// HistoryRecorder durably stores periodic progress. Failures are logged and
// never stop training.
type HistoryRecorder interface {
	RecordHistory(ctx context.Context, e model.HistoryEntry) error
}

// Options configures one training run.
type Options struct {
	RunID           string
	ModelName       string
	ModelDir        string
	Episodes        int
	Customers       int
	Vehicles        int
	Capacity        int
	MaxDemand       int
	HistoryEvery    int
	LogEvery        int
	CheckpointEvery int
	Seed            int64
	Reward          config.Reward
	Agent           dqn.Config
	History         HistoryRecorder
	Progress        ProgressFunc
}

// OptionsFromConfig fills Options from service configuration.
func OptionsFromConfig(cfg config.Config) Options {
	t := cfg.Training
	o := Options{
		ModelName:       t.ModelName,
		ModelDir:        cfg.Storage.ModelDir,
		Episodes:        t.Episodes,
		Customers:       t.NumCustomers,
		Vehicles:        t.NumVehicles,
		Capacity:        t.VehicleCapacity,
		MaxDemand:       t.MaxDemand,
		HistoryEvery:    t.HistoryEvery,
		LogEvery:        t.LogEvery,
		CheckpointEvery: t.CheckpointEvery,
		Seed:            t.Seed,
		Reward:          cfg.Reward,
	}
	a := cfg.Agent
	o.Agent = dqn.Config{
		Hidden:        append([]int(nil), a.Hidden...),
		Dueling:       a.Dueling,
		DoubleDQN:     a.DoubleDQN,
		LearningRate:  a.LearningRate,
		Gamma:         a.Gamma,
		EpsilonStart:  a.EpsilonStart,
		EpsilonEnd:    a.EpsilonEnd,
		EpsilonDecay:  a.EpsilonDecay,
		BatchSize:     a.BatchSize,
		MemorySize:    a.MemorySize,
		TargetUpdate:  a.TargetUpdate,
		GradClip:      a.GradClip,
		LRStepSize:    a.LRStepSize,
		LRGamma:       a.LRGamma,
		Prioritized:   a.Prioritized,
		PriorityAlpha: a.PriorityAlpha,
		PriorityBeta:  a.PriorityBeta,
	}
	return o
}

// Result summarizes a finished run.
type Result struct {
	RunID               string         `json:"run_id,omitempty"`
	ModelName           string         `json:"model_name"`
	ModelPath           string         `json:"model_path"`
	EpisodesTrained     int            `json:"episodes_trained"`
	FinalAvgReward      float64        `json:"final_avg_reward"`
	BestReward          float64        `json:"best_reward"`
	TrainingTimeSeconds float64        `json:"training_time_seconds"`
	Stopped             bool           `json:"stopped"`
	Metrics             map[string]any `json:"metrics"`
}

// Evaluation aggregates greedy episodes.
type Evaluation struct {
	AvgReward      float64 `json:"avg_reward"`
	StdReward      float64 `json:"std_reward"`
	AvgDistance    float64 `json:"avg_distance"`
	AvgServiceRate float64 `json:"avg_service_rate"`
	// AvgEfficiency is the mean ratio of the nearest-neighbor reference tour
	// to the policy's distance; above 1 the policy beats the baseline.
	AvgEfficiency float64 `json:"avg_efficiency"`
	Episodes      int     `json:"num_episodes"`
}

// Trainer runs episodes on synthetic instances. It is not safe for
// concurrent use.
type Trainer struct {
	opts    Options
	env     *env.Environment
	gen     *vrp.Generator
	agent   *dqn.Agent
	rewards []float64
	best    float64
	started time.Time
}

func New(opts Options) (*Trainer, error) {
	if opts.ModelName == "" {
		return nil, errors.New("training: model name required")
	}
	if opts.Episodes <= 0 || opts.Customers <= 0 || opts.Vehicles <= 0 || opts.Capacity <= 0 {
		return nil, fmt.Errorf("training: episodes, customers, vehicles and capacity must be positive")
	}
	if opts.MaxDemand <= 0 {
		opts.MaxDemand = 20
	}
	e := env.New(opts.Reward, env.Options{Slots: opts.Customers})
	ac := opts.Agent
	ac.StateDim = e.StateDim()
	ac.ActionDim = e.ActionDim()
	ac.MaxDemand = opts.MaxDemand
	ac.Seed = opts.Seed
	agent, err := dqn.NewAgent(ac)
	if err != nil {
		return nil, fmt.Errorf("training: %w", err)
	}
	return &Trainer{
		opts:  opts,
		env:   e,
		gen:   vrp.NewGenerator(opts.Seed, opts.Customers, opts.Vehicles, opts.Capacity, opts.MaxDemand),
		agent: agent,
		best:  math.Inf(-1),
	}, nil
}

func (t *Trainer) Agent() *dqn.Agent { return t.agent }

// Run trains until Episodes complete or ctx is cancelled. Cancellation is
// observed only between episodes; the model is saved either way.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	t.started = time.Now()
	o := t.opts
	lg := log.WithFields(log.Fields{"model": o.ModelName, "run": o.RunID})
	lg.WithFields(log.Fields{"episodes": o.Episodes, "customers": o.Customers, "vehicles": o.Vehicles}).Info("training started")

	res := Result{RunID: o.RunID, ModelName: o.ModelName}
	var quality env.Quality
	episode := 0
	for episode < o.Episodes {
		if ctx.Err() != nil {
			res.Stopped = true
			lg.WithField("episode", episode).Info("training stopped")
			break
		}
		reward, q, err := t.RunEpisode()
		if err != nil {
			return res, err
		}
		episode++
		quality = q
		avg := t.avgReward()
		p := Progress{Episode: episode, Reward: reward, Epsilon: t.agent.Epsilon(), AvgReward: avg, Loss: t.agent.AvgLoss()}
		if o.Progress != nil {
			o.Progress(p)
		}
		if o.HistoryEvery > 0 && episode%o.HistoryEvery == 0 && o.History != nil {
			t.recordHistory(ctx, p, q)
		}
		if o.LogEvery > 0 && episode%o.LogEvery == 0 {
			lg.WithFields(log.Fields{
				"episode": fmt.Sprintf("%d/%d", episode, o.Episodes),
				"reward":  round(reward, 2),
				"avg":     round(avg, 2),
				"epsilon": round(t.agent.Epsilon(), 4),
				"loss":    round(t.agent.AvgLoss(), 4),
			}).Info("training progress")
		}
		if o.CheckpointEvery > 0 && episode%o.CheckpointEvery == 0 {
			path := t.path(fmt.Sprintf("%s_checkpoint_%d", o.ModelName, episode))
			if err := t.agent.Save(path); err != nil {
				lg.WithError(err).Warn("checkpoint failed")
			} else {
				lg.WithField("path", path).Info("checkpoint saved")
			}
		}
	}

	res.ModelPath = t.path(o.ModelName)
	if err := t.agent.Save(res.ModelPath); err != nil {
		return res, fmt.Errorf("training: final save: %w", err)
	}
	res.EpisodesTrained = episode
	res.FinalAvgReward = t.avgReward()
	if episode > 0 {
		res.BestReward = t.best
	}
	res.TrainingTimeSeconds = time.Since(t.started).Seconds()
	res.Metrics = map[string]any{
		"episodes":            t.agent.Episodes(),
		"steps":               t.agent.Steps(),
		"epsilon":             t.agent.Epsilon(),
		"avg_loss_last_100":   t.agent.AvgLoss(),
		"avg_reward_last_100": res.FinalAvgReward,
		"best_reward":         res.BestReward,
		"final_quality":       quality,
	}
	lg.WithFields(log.Fields{"seconds": round(res.TrainingTimeSeconds, 1), "best": round(res.BestReward, 2)}).Info("training finished")
	return res, nil
}

// RunEpisode plays one exploring episode with one update per step and
// returns its total reward.
func (t *Trainer) RunEpisode() (float64, env.Quality, error) {
	state, err := t.env.Reset(t.gen.Next())
	if err != nil {
		return 0, env.Quality{}, err
	}
	cur := append([]float64(nil), state...)
	total := 0.0
	for {
		mask := t.env.ActionMask()
		action := t.agent.SelectAction(cur, mask, true)
		out := t.env.Step(action)
		t.agent.Remember(dqn.Transition{
			State:  cur,
			Action: action,
			Reward: out.Reward,
			Next:   out.State,
			Done:   out.Done(),
			Mask:   t.env.ActionMask(),
		})
		t.agent.TrainStep()
		total += out.Reward
		if out.Done() {
			break
		}
		cur = append(cur[:0], out.State...)
	}
	t.agent.EndEpisode()
	t.rewards = append(t.rewards, total)
	if total > t.best {
		t.best = total
	}
	return total, t.env.SolutionQuality(), nil
}

// Evaluate plays n greedy episodes on fresh instances without learning.
func (t *Trainer) Evaluate(ctx context.Context, n int) (Evaluation, error) {
	if n <= 0 {
		return Evaluation{}, nil
	}
	rewards := make([]float64, 0, n)
	distances := make([]float64, 0, n)
	rates := make([]float64, 0, n)
	effs := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return Evaluation{}, err
		}
		reward, q, err := Rollout(t.env, t.agent, t.gen.Next())
		if err != nil {
			return Evaluation{}, err
		}
		rewards = append(rewards, reward)
		distances = append(distances, q.TotalDistance)
		rates = append(rates, q.ServiceRate)
		effs = append(effs, q.EfficiencyRatio)
	}
	mean, std := stat.PopMeanStdDev(rewards, nil)
	return Evaluation{
		AvgReward:      mean,
		StdReward:      std,
		AvgDistance:    stat.Mean(distances, nil),
		AvgServiceRate: stat.Mean(rates, nil),
		AvgEfficiency:  stat.Mean(effs, nil),
		Episodes:       n,
	}, nil
}

// EvalOptions sizes the synthetic scenarios a saved policy is scored on.
// The customer count always equals the policy's slot count.
type EvalOptions struct {
	Episodes int
	Vehicles int
	Capacity int
	Seed     int64
	Reward   config.Reward
}

// EvaluateArtifact loads the policy saved at path and scores it with
// Evaluate. The artifact is not modified.
func EvaluateArtifact(ctx context.Context, path string, opts EvalOptions) (Evaluation, error) {
	if opts.Vehicles <= 0 || opts.Capacity <= 0 {
		return Evaluation{}, errors.New("training: vehicles and capacity must be positive")
	}
	agent, err := dqn.Load(path)
	if err != nil {
		return Evaluation{}, fmt.Errorf("training: %w", err)
	}
	agent.SetEpsilon(0)
	cfg := agent.Config()
	slots := cfg.ActionDim - 1
	e := env.New(opts.Reward, env.Options{Slots: slots})
	if e.StateDim() != cfg.StateDim {
		return Evaluation{}, fmt.Errorf("training: %w: state %d, environment gives %d", dqn.ErrArtifactMismatch, cfg.StateDim, e.StateDim())
	}
	maxDemand := cfg.MaxDemand
	if maxDemand <= 0 {
		maxDemand = 20
	}
	t := &Trainer{
		env:   e,
		gen:   vrp.NewGenerator(opts.Seed, slots, opts.Vehicles, opts.Capacity, maxDemand),
		agent: agent,
	}
	return t.Evaluate(ctx, opts.Episodes)
}

// Rollout runs one ε=0 episode of agent on inst and returns the total reward
// and final quality. e keeps the finished episode for inspection.
func Rollout(e *env.Environment, agent *dqn.Agent, inst *vrp.Instance) (float64, env.Quality, error) {
	state, err := e.Reset(inst)
	if err != nil {
		return 0, env.Quality{}, err
	}
	total := 0.0
	for {
		out := e.Step(agent.SelectAction(state, e.ActionMask(), false))
		total += out.Reward
		if out.Done() {
			return total, e.SolutionQuality(), nil
		}
		state = out.State
	}
}

func (t *Trainer) recordHistory(ctx context.Context, p Progress, q env.Quality) {
	entry := model.HistoryEntry{
		ModelName:           t.opts.ModelName,
		RunID:               t.opts.RunID,
		Episode:             p.Episode,
		TotalReward:         p.Reward,
		AvgReward:           p.AvgReward,
		AvgDistance:         q.TotalDistance,
		AvgDeliveries:       float64(q.CustomersServed),
		Epsilon:             p.Epsilon,
		Loss:                p.Loss,
		TrainingTimeSeconds: time.Since(t.started).Seconds(),
		Hyperparameters:     Hyperparameters(t.agent.Config()),
		CreatedAt:           time.Now().UTC(),
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.opts.History.RecordHistory(hctx, entry); err != nil {
		log.WithError(err).WithField("episode", p.Episode).Warn("training history not recorded")
	}
}

func (t *Trainer) avgReward() float64 {
	if len(t.rewards) == 0 {
		return 0
	}
	tail := t.rewards[max(0, len(t.rewards)-avgWindow):]
	return stat.Mean(tail, nil)
}

func (t *Trainer) path(name string) string {
	return filepath.Join(t.opts.ModelDir, name+".json")
}

// Hyperparameters flattens an agent config for the model registry.
func Hyperparameters(c dqn.Config) map[string]any {
	return map[string]any{
		"state_dim":     c.StateDim,
		"action_dim":    c.ActionDim,
		"hidden_dims":   c.Hidden,
		"dueling":       c.Dueling,
		"double_dqn":    c.DoubleDQN,
		"learning_rate": c.LearningRate,
		"gamma":         c.Gamma,
		"epsilon_start": c.EpsilonStart,
		"epsilon_end":   c.EpsilonEnd,
		"epsilon_decay": c.EpsilonDecay,
		"batch_size":    c.BatchSize,
		"memory_size":   c.MemorySize,
		"target_update": c.TargetUpdate,
		"prioritized":   c.Prioritized,
		"max_demand":    c.MaxDemand,
		"num_customers": c.ActionDim - 1,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
