package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vrpopt/internal/config"
	"vrpopt/internal/model"
)

var (
	ErrTrainingConflict = errors.New("training: a run is already active")
	ErrInvalidConfig    = errors.New("training: invalid config")
)

// Registry receives finished artifacts and periodic history.
type Registry interface {
	HistoryRecorder
	UpsertModel(ctx context.Context, m model.ModelInfo) error
	ActivateModel(ctx context.Context, name string) error
}

// Event kinds published by the Manager.
const (
	EventStarted   = "training.started"
	EventProgress  = "training.progress"
	EventCompleted = "training.completed"
	EventFailed    = "training.failed"
)

// EventFunc receives run events. It must not block.
type EventFunc func(kind string, payload any)

// Manager owns the single background training run.
type Manager struct {
	base     config.Config
	registry Registry
	onEvent  EventFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	status  atomic.Pointer[model.TrainingStatus]
	last    atomic.Pointer[Result]
	onFinal func(Result)
}

// NewManager builds a manager whose runs default to base. registry and
// onEvent may be nil.
func NewManager(base config.Config, registry Registry, onEvent EventFunc) *Manager {
	m := &Manager{base: base, registry: registry, onEvent: onEvent}
	m.status.Store(&model.TrainingStatus{})
	return m
}

// OnComplete registers a hook called after each successful run, e.g. to
// drop cached policies.
func (m *Manager) OnComplete(fn func(Result)) { m.onFinal = fn }

// DefaultTrainingConfig mirrors the configured defaults in request form.
func DefaultTrainingConfig(c config.Config) model.TrainingConfig {
	return model.TrainingConfig{
		ModelName:       c.Training.ModelName,
		Episodes:        c.Training.Episodes,
		NumCustomers:    c.Training.NumCustomers,
		NumVehicles:     c.Training.NumVehicles,
		VehicleCapacity: c.Training.VehicleCapacity,
		LearningRate:    c.Agent.LearningRate,
		Gamma:           c.Agent.Gamma,
		EpsilonStart:    c.Agent.EpsilonStart,
		EpsilonEnd:      c.Agent.EpsilonEnd,
		EpsilonDecay:    c.Agent.EpsilonDecay,
		BatchSize:       c.Agent.BatchSize,
		MemorySize:      c.Agent.MemorySize,
		TargetUpdate:    c.Agent.TargetUpdate,
		Dueling:         c.Agent.Dueling,
		Prioritized:     c.Agent.Prioritized,
		Activate:        c.Training.ActivateOnComplete,
		Seed:            c.Training.Seed,
	}
}

// Merge fills zero fields of tc from def.
func Merge(tc, def model.TrainingConfig) model.TrainingConfig {
	if tc.ModelName == "" {
		tc.ModelName = def.ModelName
	}
	setInt := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}
	setFloat := func(dst *float64, v float64) {
		if *dst == 0 {
			*dst = v
		}
	}
	setInt(&tc.Episodes, def.Episodes)
	setInt(&tc.NumCustomers, def.NumCustomers)
	setInt(&tc.NumVehicles, def.NumVehicles)
	setInt(&tc.VehicleCapacity, def.VehicleCapacity)
	setInt(&tc.BatchSize, def.BatchSize)
	setInt(&tc.MemorySize, def.MemorySize)
	setInt(&tc.TargetUpdate, def.TargetUpdate)
	setFloat(&tc.LearningRate, def.LearningRate)
	setFloat(&tc.Gamma, def.Gamma)
	setFloat(&tc.EpsilonStart, def.EpsilonStart)
	setFloat(&tc.EpsilonEnd, def.EpsilonEnd)
	setFloat(&tc.EpsilonDecay, def.EpsilonDecay)
	if tc.Seed == 0 {
		tc.Seed = def.Seed
	}
	return tc
}

// ValidateConfig checks a merged training request.
func ValidateConfig(tc model.TrainingConfig) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(tc.ModelName != "", "model_name required")
	check(tc.Episodes >= 1 && tc.Episodes <= 100000, "episodes must be in 1..100000")
	check(tc.NumCustomers >= 5 && tc.NumCustomers <= 100, "num_customers must be in 5..100")
	check(tc.NumVehicles >= 1 && tc.NumVehicles <= 20, "num_vehicles must be in 1..20")
	check(tc.VehicleCapacity >= 1, "vehicle_capacity must be positive")
	check(tc.LearningRate > 0 && tc.LearningRate < 1, "learning_rate must be in (0,1)")
	check(tc.Gamma > 0 && tc.Gamma <= 1, "gamma must be in (0,1]")
	check(tc.EpsilonEnd >= 0 && tc.EpsilonEnd <= tc.EpsilonStart && tc.EpsilonStart <= 1, "epsilon bounds must satisfy 0 <= end <= start <= 1")
	check(tc.EpsilonDecay > 0 && tc.EpsilonDecay <= 1, "epsilon_decay must be in (0,1]")
	check(tc.BatchSize >= 1, "batch_size must be positive")
	check(tc.MemorySize >= 1000 && tc.MemorySize >= tc.BatchSize, "memory_size must be at least 1000 and hold a batch")
	check(tc.TargetUpdate >= 1, "target_update must be positive")
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (m *Manager) options(runID string, tc model.TrainingConfig) Options {
	o := OptionsFromConfig(m.base)
	o.RunID = runID
	o.ModelName = tc.ModelName
	o.Episodes = tc.Episodes
	o.Customers = tc.NumCustomers
	o.Vehicles = tc.NumVehicles
	o.Capacity = tc.VehicleCapacity
	o.Seed = tc.Seed
	o.Agent.LearningRate = tc.LearningRate
	o.Agent.Gamma = tc.Gamma
	o.Agent.EpsilonStart = tc.EpsilonStart
	o.Agent.EpsilonEnd = tc.EpsilonEnd
	o.Agent.EpsilonDecay = tc.EpsilonDecay
	o.Agent.BatchSize = tc.BatchSize
	o.Agent.MemorySize = tc.MemorySize
	o.Agent.TargetUpdate = tc.TargetUpdate
	o.Agent.Dueling = tc.Dueling
	o.Agent.Prioritized = tc.Prioritized
	if m.registry != nil {
		o.History = m.registry
	}
	return o
}

// Start validates tc, merged over the configured defaults, and launches a
// run in the background. It returns the run id.
func (m *Manager) Start(tc model.TrainingConfig) (string, error) {
	tc = Merge(tc, DefaultTrainingConfig(m.base))
	if err := ValidateConfig(tc); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		select {
		case <-m.done:
		default:
			return "", ErrTrainingConflict
		}
	}

	runID := uuid.NewString()
	opts := m.options(runID, tc)
	started := time.Now()
	st := &model.TrainingStatus{
		RunID:         runID,
		ModelName:     tc.ModelName,
		IsTraining:    true,
		TotalEpisodes: tc.Episodes,
		Epsilon:       tc.EpsilonStart,
	}
	best := 0.0
	opts.Progress = func(p Progress) {
		if p.Episode == 1 || p.Reward > best {
			best = p.Reward
		}
		elapsed := time.Since(started).Seconds()
		remaining := elapsed / float64(p.Episode) * float64(tc.Episodes-p.Episode)
		m.status.Store(&model.TrainingStatus{
			RunID:                     runID,
			ModelName:                 tc.ModelName,
			IsTraining:                true,
			CurrentEpisode:            p.Episode,
			TotalEpisodes:             tc.Episodes,
			CurrentReward:             p.Reward,
			BestReward:                best,
			AvgRewardLast100:          p.AvgReward,
			Epsilon:                   p.Epsilon,
			ElapsedSeconds:            elapsed,
			EstimatedRemainingSeconds: &remaining,
		})
		m.emit(EventProgress, p)
	}
	tr, err := New(opts)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.status.Store(st)
	m.emit(EventStarted, map[string]any{"run_id": runID, "model_name": tc.ModelName, "episodes": tc.Episodes})

	go m.run(ctx, cancel, m.done, tr, tc, started)
	return runID, nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, tr *Trainer, tc model.TrainingConfig, started time.Time) {
	defer close(done)
	defer cancel()
	lg := log.WithFields(log.Fields{"run": tr.opts.RunID, "model": tc.ModelName})

	res, err := tr.Run(ctx)
	if err == nil {
		err = m.register(ctx, tr, &res, tc)
	}
	final := *m.status.Load()
	final.IsTraining = false
	final.ElapsedSeconds = time.Since(started).Seconds()
	final.EstimatedRemainingSeconds = nil
	if err != nil {
		final.Error = err.Error()
		m.status.Store(&final)
		lg.WithError(err).Error("training failed")
		m.emit(EventFailed, map[string]any{"run_id": tr.opts.RunID, "error": err.Error()})
		return
	}
	m.status.Store(&final)
	m.last.Store(&res)
	if m.onFinal != nil {
		m.onFinal(res)
	}
	m.emit(EventCompleted, res)
}

// register evaluates the policy and upserts the artifact. It runs after a
// stop request too, so it ignores ctx cancellation.
func (m *Manager) register(ctx context.Context, tr *Trainer, res *Result, tc model.TrainingConfig) error {
	rctx := context.WithoutCancel(ctx)
	if n := m.base.Training.EvalEpisodes; n > 0 {
		ev, err := tr.Evaluate(rctx, n)
		if err != nil {
			return fmt.Errorf("training: evaluate: %w", err)
		}
		res.Metrics["evaluation"] = ev
	}
	if m.registry == nil {
		return nil
	}
	modelType := "dqn"
	if tc.Dueling {
		modelType = "dueling_dqn"
	}
	info := model.ModelInfo{
		Name:            res.ModelName,
		Version:         "1.0",
		ModelType:       modelType,
		FilePath:        res.ModelPath,
		Metrics:         res.Metrics,
		Hyperparameters: Hyperparameters(tr.Agent().Config()),
		TrainedEpisodes: res.EpisodesTrained,
	}
	sctx, cancel := context.WithTimeout(rctx, 10*time.Second)
	defer cancel()
	if err := m.registry.UpsertModel(sctx, info); err != nil {
		return fmt.Errorf("training: register model: %w", err)
	}
	if tc.Activate {
		if err := m.registry.ActivateModel(sctx, res.ModelName); err != nil {
			return fmt.Errorf("training: activate model: %w", err)
		}
	}
	return nil
}

// Stop requests a cooperative stop. It reports whether a run was active.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil || m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
	}
	m.cancel()
	return true
}

// Wait blocks until the current run, if any, has finished or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the active or last run.
func (m *Manager) Status() model.TrainingStatus { return *m.status.Load() }

// LastResult returns the most recent successful run, if any.
func (m *Manager) LastResult() (Result, bool) {
	r := m.last.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

func (m *Manager) emit(kind string, payload any) {
	if m.onEvent != nil {
		m.onEvent(kind, payload)
	}
}
