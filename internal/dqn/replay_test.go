package dqn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayBufferEvictsOldest(t *testing.T) {
	b := NewReplayBuffer(3)
	for i := 0; i < 5; i++ {
		b.Push(Transition{Action: i})
	}
	require.Equal(t, 3, b.Len())
	var actions []int
	for _, tr := range b.items {
		actions = append(actions, tr.Action)
	}
	assert.ElementsMatch(t, []int{2, 3, 4}, actions)
}

func TestReplayBufferSampleDistinct(t *testing.T) {
	b := NewReplayBuffer(100)
	for i := 0; i < 50; i++ {
		b.Push(Transition{Action: i})
	}
	rng := rand.New(rand.NewSource(1))
	batch := b.Sample(rng, 20)
	require.Len(t, batch.Items, 20)
	seen := map[int]bool{}
	for i, tr := range batch.Items {
		assert.False(t, seen[tr.Action])
		seen[tr.Action] = true
		assert.Equal(t, 1.0, batch.Weights[i])
	}
	assert.Len(t, b.Sample(rng, 80).Items, 50, "capped at buffer size")
}

func TestPrioritizedBufferFavorsLargeErrors(t *testing.T) {
	b := NewPrioritizedBuffer(8, 0.6, 0.4)
	for i := 0; i < 8; i++ {
		b.Push(Transition{Action: i})
	}
	assert.InDelta(t, 8.0, b.tree.total(), 1e-12)

	idx := []int{0, 1, 2, 3, 4, 5, 6, 7}
	td := []float64{10, 0, 0, 0, 0, 0, 0, 0}
	b.Update(idx, td)

	rng := rand.New(rand.NewSource(3))
	batch := b.Sample(rng, 200)
	hits := 0
	for i, j := range batch.Indices {
		if j == 0 {
			hits++
		}
		assert.LessOrEqual(t, batch.Weights[i], 1.0)
		assert.Greater(t, batch.Weights[i], 0.0)
	}
	assert.Greater(t, hits, 180)
}

func TestSumTreeFind(t *testing.T) {
	tr := newSumTree(5)
	for i, p := range []float64{1, 2, 3, 4, 0} {
		tr.set(i, p)
	}
	assert.Equal(t, 10.0, tr.total())
	assert.Equal(t, 0, tr.find(0.5))
	assert.Equal(t, 1, tr.find(1.5))
	assert.Equal(t, 2, tr.find(3.0))
	assert.Equal(t, 3, tr.find(9.99))
}
