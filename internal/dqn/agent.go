// Package dqn implements a double deep Q-learning agent with action masking,
// experience replay and a periodically synchronized target network.
package dqn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Config holds the network shape and learning hyperparameters. It is stored
// verbatim in saved artifacts.
type Config struct {
	StateDim      int     `json:"state_dim"`
	ActionDim     int     `json:"action_dim"`
	Hidden        []int   `json:"hidden_dims"`
	Dueling       bool    `json:"dueling"`
	DoubleDQN     bool    `json:"double_dqn"`
	LearningRate  float64 `json:"learning_rate"`
	Gamma         float64 `json:"gamma"`
	EpsilonStart  float64 `json:"epsilon_start"`
	EpsilonEnd    float64 `json:"epsilon_end"`
	EpsilonDecay  float64 `json:"epsilon_decay"`
	BatchSize     int     `json:"batch_size"`
	MemorySize    int     `json:"memory_size"`
	TargetUpdate  int     `json:"target_update"`
	GradClip      float64 `json:"grad_clip"`
	LRStepSize    int     `json:"lr_step_size"`
	LRGamma       float64 `json:"lr_gamma"`
	Prioritized   bool    `json:"prioritized"`
	PriorityAlpha float64 `json:"priority_alpha"`
	PriorityBeta  float64 `json:"priority_beta"`
	// MaxDemand is the demand scale the policy was trained with.
	MaxDemand int   `json:"max_demand"`
	Seed      int64 `json:"seed"`
}

// DefaultConfig returns the stock hyperparameters for the given dimensions.
func DefaultConfig(stateDim, actionDim int) Config {
	return Config{
		StateDim:      stateDim,
		ActionDim:     actionDim,
		Hidden:        []int{256, 256, 128},
		DoubleDQN:     true,
		LearningRate:  0.001,
		Gamma:         0.99,
		EpsilonStart:  1.0,
		EpsilonEnd:    0.01,
		EpsilonDecay:  0.995,
		BatchSize:     64,
		MemorySize:    100000,
		TargetUpdate:  10,
		GradClip:      1.0,
		LRStepSize:    1000,
		LRGamma:       0.95,
		PriorityAlpha: 0.6,
		PriorityBeta:  0.4,
		MaxDemand:     20,
	}
}

func (c Config) validate() error {
	switch {
	case c.StateDim <= 0 || c.ActionDim <= 0:
		return fmt.Errorf("dqn: invalid dimensions %d→%d", c.StateDim, c.ActionDim)
	case len(c.Hidden) == 0:
		return errors.New("dqn: at least one hidden layer required")
	case c.BatchSize <= 0 || c.MemorySize < c.BatchSize:
		return fmt.Errorf("dqn: batch %d must be positive and fit memory %d", c.BatchSize, c.MemorySize)
	}
	return nil
}

// Agent is the learned action-value policy.
type Agent struct {
	cfg    Config
	policy *Network
	target *Network
	opt    *adam
	memory Buffer
	rng    *rand.Rand

	epsilon    float64
	episodes   int
	steps      int
	schedSteps int
	losses     []float64
}

const lossWindow = 100

func NewAgent(cfg Config) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	a := &Agent{
		cfg:     cfg,
		policy:  NewNetwork(cfg.StateDim, cfg.ActionDim, cfg.Hidden, cfg.Dueling, rng),
		target:  NewNetwork(cfg.StateDim, cfg.ActionDim, cfg.Hidden, cfg.Dueling, rng),
		rng:     rng,
		epsilon: cfg.EpsilonStart,
	}
	a.target.CopyFrom(a.policy)
	a.opt = newAdam(a.policy.params(), cfg.LearningRate)
	if cfg.Prioritized {
		a.memory = NewPrioritizedBuffer(cfg.MemorySize, cfg.PriorityAlpha, cfg.PriorityBeta)
	} else {
		a.memory = NewReplayBuffer(cfg.MemorySize)
	}
	return a, nil
}

// SelectAction picks an action for state. With explore set it acts
// uniformly at random among legal actions with probability ε; otherwise it
// takes the highest-scoring legal action.
func (a *Agent) SelectAction(state []float64, mask []bool, explore bool) int {
	if explore && a.rng.Float64() < a.epsilon {
		var valid []int
		for i, ok := range mask {
			if ok {
				valid = append(valid, i)
			}
		}
		if len(valid) == 0 {
			return a.rng.Intn(a.cfg.ActionDim)
		}
		return valid[a.rng.Intn(len(valid))]
	}
	return maskedArgmax(a.policy.Predict(state), mask)
}

// QValues returns the live network's scores for state.
func (a *Agent) QValues(state []float64) []float64 { return a.policy.Predict(state) }

// maskedArgmax returns the first highest score among actions allowed by mask.
// A nil or all-false mask allows every action.
func maskedArgmax(q []float64, mask []bool) int {
	if len(q) == 0 {
		return 0
	}
	best, bestV := -1, math.Inf(-1)
	for i, v := range q {
		if mask != nil && i < len(mask) && !mask[i] {
			continue
		}
		if best < 0 || v > bestV {
			best, bestV = i, v
		}
	}
	if best < 0 {
		return maskedArgmax(q, nil)
	}
	return best
}

// Remember stores a transition, copying its slices.
func (a *Agent) Remember(t Transition) {
	t.State = append([]float64(nil), t.State...)
	t.Next = append([]float64(nil), t.Next...)
	t.Mask = append([]bool(nil), t.Mask...)
	a.memory.Push(t)
}

// TrainStep runs one minibatch update and returns its loss. It does nothing
// until the buffer holds at least one batch.
func (a *Agent) TrainStep() (float64, bool) {
	if a.memory.Len() < a.cfg.BatchSize {
		return 0, false
	}
	batch := a.memory.Sample(a.rng, a.cfg.BatchSize)
	n := len(batch.Items)
	if n == 0 {
		return 0, false
	}
	states := mat.NewDense(n, a.cfg.StateDim, nil)
	next := mat.NewDense(n, a.cfg.StateDim, nil)
	for i, t := range batch.Items {
		copy(states.RawRowView(i), t.State)
		copy(next.RawRowView(i), t.Next)
	}

	// Double DQN: the live network picks the next action, the target
	// network scores it.
	targetQ := a.target.Forward(next)
	pick := targetQ
	if a.cfg.DoubleDQN {
		pick = a.policy.Forward(next)
	}
	targets := make([]float64, n)
	for i, t := range batch.Items {
		y := t.Reward
		if !t.Done {
			j := maskedArgmax(pick.RawRowView(i), t.Mask)
			y += a.cfg.Gamma * targetQ.At(i, j)
		}
		targets[i] = y
	}

	q := a.policy.Forward(states)
	dq := mat.NewDense(n, a.cfg.ActionDim, nil)
	td := make([]float64, n)
	loss := 0.0
	for i, t := range batch.Items {
		diff := q.At(i, t.Action) - targets[i]
		td[i] = diff
		w := batch.Weights[i]
		loss += w * huber(diff)
		dq.Set(i, t.Action, w*huberGrad(diff)/float64(n))
	}
	loss /= float64(n)

	a.policy.zeroGrad()
	a.policy.Backward(dq)
	ps := a.policy.params()
	clipGradNorm(ps, a.cfg.GradClip)
	a.opt.step(ps)
	a.memory.Update(batch.Indices, td)

	a.steps++
	a.losses = append(a.losses, loss)
	if len(a.losses) > lossWindow {
		a.losses = a.losses[len(a.losses)-lossWindow:]
	}
	return loss, true
}

// huber is the smooth L1 loss with threshold 1.
func huber(d float64) float64 {
	if ad := math.Abs(d); ad < 1 {
		return 0.5 * d * d
	}
	return math.Abs(d) - 0.5
}

func huberGrad(d float64) float64 {
	return math.Max(-1, math.Min(1, d))
}

// EndEpisode decays ε, advances the learning-rate schedule and syncs the
// target network every TargetUpdate episodes.
func (a *Agent) EndEpisode() {
	a.episodes++
	a.epsilon = math.Max(a.cfg.EpsilonEnd, a.epsilon*a.cfg.EpsilonDecay)
	a.schedSteps++
	a.opt.lr = a.scheduledLR()
	if a.cfg.TargetUpdate > 0 && a.episodes%a.cfg.TargetUpdate == 0 {
		a.SyncTarget()
	}
}

func (a *Agent) scheduledLR() float64 {
	if a.cfg.LRStepSize <= 0 || a.cfg.LRGamma <= 0 {
		return a.cfg.LearningRate
	}
	return a.cfg.LearningRate * math.Pow(a.cfg.LRGamma, float64(a.schedSteps/a.cfg.LRStepSize))
}

// SyncTarget copies the live parameters into the target network.
func (a *Agent) SyncTarget() { a.target.CopyFrom(a.policy) }

func (a *Agent) Config() Config         { return a.cfg }
func (a *Agent) Epsilon() float64       { return a.epsilon }
func (a *Agent) Episodes() int          { return a.episodes }
func (a *Agent) Steps() int             { return a.steps }
func (a *Agent) LearningRate() float64  { return a.opt.lr }
func (a *Agent) MemoryLen() int         { return a.memory.Len() }
func (a *Agent) SetEpsilon(eps float64) { a.epsilon = eps }

// AvgLoss is the mean loss over the last 100 updates.
func (a *Agent) AvgLoss() float64 {
	if len(a.losses) == 0 {
		return 0
	}
	s := 0.0
	for _, l := range a.losses {
		s += l
	}
	return s / float64(len(a.losses))
}
