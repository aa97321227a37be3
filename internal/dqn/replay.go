package dqn

import (
	"math"
	"math/rand"
)

// Transition is one experience. Mask marks the actions legal in Next and
// restricts the bootstrap arg-max.
type Transition struct {
	State  []float64
	Action int
	Reward float64
	Next   []float64
	Done   bool
	Mask   []bool
}

// Batch is a sampled minibatch. Weights are importance-sampling corrections
// (all 1 for uniform sampling).
type Batch struct {
	Items   []Transition
	Indices []int
	Weights []float64
}

// Buffer stores transitions for replay.
type Buffer interface {
	Push(t Transition)
	Sample(rng *rand.Rand, n int) Batch
	// Update feeds back per-item TD errors for the sampled indices.
	Update(indices []int, tdErrors []float64)
	Len() int
}

// ReplayBuffer is a bounded FIFO: once full, the oldest transition is
// overwritten.
type ReplayBuffer struct {
	items []Transition
	next  int
	cap   int
}

func NewReplayBuffer(capacity int) *ReplayBuffer {
	return &ReplayBuffer{cap: capacity, items: make([]Transition, 0, min(capacity, 4096))}
}

// push stores t and returns its slot.
func (r *ReplayBuffer) push(t Transition) int {
	if len(r.items) < r.cap {
		r.items = append(r.items, t)
		return len(r.items) - 1
	}
	slot := r.next
	r.items[slot] = t
	r.next = (r.next + 1) % r.cap
	return slot
}

func (r *ReplayBuffer) Push(t Transition) { r.push(t) }

func (r *ReplayBuffer) Len() int { return len(r.items) }

// Sample draws min(n, Len) distinct transitions uniformly.
func (r *ReplayBuffer) Sample(rng *rand.Rand, n int) Batch {
	k := min(n, len(r.items))
	idx := sampleDistinct(rng, len(r.items), k)
	b := Batch{Items: make([]Transition, k), Indices: idx, Weights: make([]float64, k)}
	for i, j := range idx {
		b.Items[i] = r.items[j]
		b.Weights[i] = 1
	}
	return b
}

func (r *ReplayBuffer) Update([]int, []float64) {}

// sampleDistinct picks k distinct ints from [0,n) (Floyd's algorithm).
func sampleDistinct(rng *rand.Rand, n, k int) []int {
	seen := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for j := n - k; j < n; j++ {
		t := rng.Intn(j + 1)
		if _, dup := seen[t]; dup {
			t = j
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// PrioritizedBuffer samples proportionally to priority^alpha and reports
// importance-sampling weights (N·P(i))^-beta normalized by the batch max.
type PrioritizedBuffer struct {
	ReplayBuffer
	tree  *sumTree
	alpha float64
	beta  float64
}

func NewPrioritizedBuffer(capacity int, alpha, beta float64) *PrioritizedBuffer {
	return &PrioritizedBuffer{
		ReplayBuffer: *NewReplayBuffer(capacity),
		tree:         newSumTree(capacity),
		alpha:        alpha,
		beta:         beta,
	}
}

// Push stores t with priority 1.
func (p *PrioritizedBuffer) Push(t Transition) {
	slot := p.push(t)
	p.tree.set(slot, 1)
}

// Sample draws n transitions with replacement.
func (p *PrioritizedBuffer) Sample(rng *rand.Rand, n int) Batch {
	size := p.Len()
	total := p.tree.total()
	if size == 0 || total <= 0 {
		return Batch{}
	}
	b := Batch{Items: make([]Transition, n), Indices: make([]int, n), Weights: make([]float64, n)}
	maxW := 0.0
	for i := 0; i < n; i++ {
		j := p.tree.find(rng.Float64() * total)
		if j >= size {
			j = size - 1
		}
		prob := p.tree.get(j) / total
		w := math.Pow(float64(size)*prob, -p.beta)
		b.Items[i] = p.items[j]
		b.Indices[i] = j
		b.Weights[i] = w
		maxW = math.Max(maxW, w)
	}
	if maxW > 0 {
		for i := range b.Weights {
			b.Weights[i] /= maxW
		}
	}
	return b
}

// Update sets each sampled priority to (|td| + 1e-6)^alpha.
func (p *PrioritizedBuffer) Update(indices []int, tdErrors []float64) {
	for i, j := range indices {
		p.tree.set(j, math.Pow(math.Abs(tdErrors[i])+1e-6, p.alpha))
	}
}

// sumTree is a binary tree of priorities supporting prefix-sum search.
type sumTree struct {
	size  int
	nodes []float64
}

func newSumTree(capacity int) *sumTree {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &sumTree{size: size, nodes: make([]float64, 2*size)}
}

func (t *sumTree) set(i int, p float64) {
	j := i + t.size
	t.nodes[j] = p
	for j >>= 1; j >= 1; j >>= 1 {
		t.nodes[j] = t.nodes[2*j] + t.nodes[2*j+1]
	}
}

func (t *sumTree) get(i int) float64 { return t.nodes[i+t.size] }

func (t *sumTree) total() float64 { return t.nodes[1] }

// find returns the leaf whose cumulative range contains u.
func (t *sumTree) find(u float64) int {
	j := 1
	for j < t.size {
		l := 2 * j
		if u < t.nodes[l] || t.nodes[l+1] <= 0 {
			j = l
		} else {
			u -= t.nodes[l]
			j = l + 1
		}
	}
	return j - t.size
}
