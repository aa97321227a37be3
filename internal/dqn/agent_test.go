package dqn

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func smallConfig() Config {
	cfg := DefaultConfig(6, 4)
	cfg.Hidden = []int{16, 8}
	cfg.BatchSize = 8
	cfg.MemorySize = 200
	cfg.Seed = 42
	return cfg
}

func randomState(rng *rand.Rand, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = rng.Float64()
	}
	return s
}

func TestBackwardMatchesNumericalGradient(t *testing.T) {
	for _, dueling := range []bool{false, true} {
		rng := rand.New(rand.NewSource(1))
		net := NewNetwork(4, 3, []int{5, 6}, dueling, rng)
		x := mat.NewDense(2, 4, randomState(rng, 8))
		coef := mat.NewDense(2, 3, randomState(rng, 6))
		loss := func() float64 {
			var prod mat.Dense
			prod.MulElem(net.Forward(x), coef)
			return mat.Sum(&prod)
		}

		net.zeroGrad()
		net.Forward(x)
		net.Backward(mat.DenseCopyOf(coef))

		const h = 1e-6
		for pi, p := range net.params() {
			for i := range p.val {
				orig := p.val[i]
				p.val[i] = orig + h
				lp := loss()
				p.val[i] = orig - h
				lm := loss()
				p.val[i] = orig
				num := (lp - lm) / (2 * h)
				require.InDelta(t, num, p.grad[i], 1e-5, "dueling=%v param %d[%d]", dueling, pi, i)
			}
		}
	}
}

func TestMaskedArgmax(t *testing.T) {
	q := []float64{3, 9, 9, 1}
	assert.Equal(t, 1, maskedArgmax(q, nil), "first maximum wins")
	assert.Equal(t, 2, maskedArgmax(q, []bool{true, false, true, true}))
	assert.Equal(t, 3, maskedArgmax(q, []bool{false, false, false, true}))
	assert.Equal(t, 1, maskedArgmax(q, []bool{false, false, false, false}))
}

func TestSelectActionRespectsMask(t *testing.T) {
	a, err := NewAgent(smallConfig())
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(5))
	mask := []bool{false, true, false, true}
	for i := 0; i < 200; i++ {
		got := a.SelectAction(randomState(rng, 6), mask, true)
		require.True(t, mask[got], "action %d not allowed", got)
	}
	a.SetEpsilon(0)
	for i := 0; i < 50; i++ {
		got := a.SelectAction(randomState(rng, 6), mask, false)
		require.True(t, mask[got])
	}
}

func TestTrainStepWaitsForBatch(t *testing.T) {
	a, err := NewAgent(smallConfig())
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 7; i++ {
		a.Remember(Transition{State: randomState(rng, 6), Next: randomState(rng, 6), Action: 1, Reward: 1})
		_, ok := a.TrainStep()
		require.False(t, ok)
	}
	a.Remember(Transition{State: randomState(rng, 6), Next: randomState(rng, 6), Action: 1, Reward: 1})
	loss, ok := a.TrainStep()
	require.True(t, ok)
	assert.False(t, math.IsNaN(loss))
	assert.Equal(t, 1, a.Steps())
}

func TestAgentLearnsBanditPreference(t *testing.T) {
	for _, prioritized := range []bool{false, true} {
		cfg := smallConfig()
		cfg.StateDim, cfg.ActionDim = 2, 2
		cfg.LearningRate = 0.01
		cfg.Prioritized = prioritized
		a, err := NewAgent(cfg)
		require.NoError(t, err)
		state := []float64{0.5, 0.5}
		for i := 0; i < 400; i++ {
			action := i % 2
			reward := 0.0
			if action == 0 {
				reward = 1
			}
			a.Remember(Transition{State: state, Action: action, Reward: reward, Next: state, Done: true})
			a.TrainStep()
		}
		q := a.QValues(state)
		assert.InDelta(t, 1.0, q[0], 0.2, "prioritized=%v", prioritized)
		assert.InDelta(t, 0.0, q[1], 0.2, "prioritized=%v", prioritized)
		assert.Equal(t, 0, a.SelectAction(state, nil, false))
	}
}

func TestEpsilonScheduleAndTargetSync(t *testing.T) {
	cfg := smallConfig()
	cfg.EpsilonDecay = 0.5
	cfg.EpsilonEnd = 0.1
	cfg.TargetUpdate = 3
	a, err := NewAgent(cfg)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 20; i++ {
		a.Remember(Transition{State: randomState(rng, 6), Next: randomState(rng, 6), Action: i % 4, Reward: rng.Float64()})
	}
	for i := 0; i < 5; i++ {
		a.TrainStep()
	}
	s := randomState(rng, 6)
	assert.NotEqual(t, a.policy.Predict(s), a.target.Predict(s))

	a.EndEpisode()
	assert.Equal(t, 0.5, a.Epsilon())
	a.EndEpisode()
	assert.Equal(t, 0.25, a.Epsilon())
	assert.NotEqual(t, a.policy.Predict(s), a.target.Predict(s))
	a.EndEpisode()
	assert.Equal(t, 0.125, a.Epsilon())
	assert.Equal(t, a.policy.Predict(s), a.target.Predict(s), "synced on the third episode")
	a.EndEpisode()
	assert.Equal(t, 0.1, a.Epsilon(), "floored at EpsilonEnd")
}

func TestLearningRateSchedule(t *testing.T) {
	cfg := smallConfig()
	cfg.LRStepSize = 2
	a, err := NewAgent(cfg)
	require.NoError(t, err)
	a.EndEpisode()
	assert.Equal(t, 0.001, a.LearningRate())
	a.EndEpisode()
	assert.InDelta(t, 0.00095, a.LearningRate(), 1e-12)
}

func TestSaveLoadReproducesGreedyActions(t *testing.T) {
	cfg := smallConfig()
	cfg.Dueling = true
	a, err := NewAgent(cfg)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 40; i++ {
		a.Remember(Transition{State: randomState(rng, 6), Next: randomState(rng, 6), Action: rng.Intn(4), Reward: rng.NormFloat64(), Mask: []bool{true, true, false, true}})
		a.TrainStep()
	}
	a.EndEpisode()

	path := filepath.Join(t.TempDir(), "m", "agent.json")
	require.NoError(t, a.Save(path))
	b, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, a.Config(), b.Config())
	assert.Equal(t, a.Epsilon(), b.Epsilon())
	assert.Equal(t, a.Episodes(), b.Episodes())
	assert.Equal(t, a.Steps(), b.Steps())
	for i := 0; i < 50; i++ {
		s := randomState(rng, 6)
		mask := []bool{rng.Intn(2) == 0, true, rng.Intn(2) == 0, true}
		require.Equal(t, a.QValues(s), b.QValues(s))
		require.Equal(t, a.SelectAction(s, mask, false), b.SelectAction(s, mask, false))
	}
}

func TestLoadRejectsMismatchedShapes(t *testing.T) {
	a, err := NewAgent(smallConfig())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, a.Save(path))

	art := a.policy.snapshot()
	b, err := NewAgent(DefaultConfig(3, 2))
	require.NoError(t, err)
	assert.False(t, b.policy.restore(art))

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
