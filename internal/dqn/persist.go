package dqn

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const artifactFormat = 1

var ErrArtifactMismatch = errors.New("dqn: artifact does not match its config")

// artifact is the on-disk form of a trained agent.
type artifact struct {
	Format     int         `json:"format"`
	SavedAt    time.Time   `json:"saved_at"`
	Config     Config      `json:"config"`
	Policy     [][]float64 `json:"policy"`
	Target     [][]float64 `json:"target"`
	AdamStep   int         `json:"adam_step"`
	AdamM      [][]float64 `json:"adam_m"`
	AdamV      [][]float64 `json:"adam_v"`
	Epsilon    float64     `json:"epsilon"`
	Episodes   int         `json:"episodes"`
	Steps      int         `json:"steps"`
	SchedSteps int         `json:"sched_steps"`
}

// Save writes the agent (both networks, optimizer state, counters) to path
// atomically.
func (a *Agent) Save(path string) error {
	art := artifact{
		Format:     artifactFormat,
		SavedAt:    time.Now().UTC(),
		Config:     a.cfg,
		Policy:     a.policy.snapshot(),
		Target:     a.target.snapshot(),
		AdamStep:   a.opt.t,
		AdamM:      a.opt.m,
		AdamV:      a.opt.v,
		Epsilon:    a.epsilon,
		Episodes:   a.episodes,
		Steps:      a.steps,
		SchedSteps: a.schedSteps,
	}
	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("dqn: encode %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("dqn: mkdir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("dqn: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("dqn: rename %s: %w", path, err)
	}
	return nil
}

// Load restores an agent saved with Save. The replay buffer starts empty.
func Load(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dqn: read %s: %w", path, err)
	}
	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("dqn: decode %s: %w", path, err)
	}
	if art.Format != artifactFormat {
		return nil, fmt.Errorf("dqn: %s: unsupported format %d", path, art.Format)
	}
	a, err := NewAgent(art.Config)
	if err != nil {
		return nil, err
	}
	if !a.policy.restore(art.Policy) || !a.target.restore(art.Target) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMismatch, path)
	}
	if len(art.AdamM) == len(a.opt.m) && len(art.AdamV) == len(a.opt.v) {
		a.opt.m, a.opt.v, a.opt.t = art.AdamM, art.AdamV, art.AdamStep
	}
	a.epsilon = art.Epsilon
	a.episodes = art.Episodes
	a.steps = art.Steps
	a.schedSteps = art.SchedSteps
	a.opt.lr = a.scheduledLR()
	return a, nil
}
