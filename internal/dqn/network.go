package dqn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// layer is a fully connected layer computing act(x·W + b) over a batch.
type layer struct {
	w    *mat.Dense // in×out
	b    *mat.VecDense
	relu bool

	gw *mat.Dense
	gb *mat.VecDense

	x   *mat.Dense
	out *mat.Dense
}

func newLayer(in, out int, relu bool, rng *rand.Rand) *layer {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (2*rng.Float64() - 1) * bound
	}
	return &layer{
		w:    mat.NewDense(in, out, w),
		b:    mat.NewVecDense(out, b),
		relu: relu,
		gw:   mat.NewDense(in, out, nil),
		gb:   mat.NewVecDense(out, nil),
	}
}

func (l *layer) forward(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	_, cols := l.w.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Mul(x, l.w)
	bias := l.b.RawVector().Data
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		for j := range row {
			v := row[j] + bias[j]
			if l.relu && v < 0 {
				v = 0
			}
			row[j] = v
		}
	}
	l.x, l.out = x, out
	return out
}

// backward accumulates parameter gradients and returns the input gradient.
// dout is modified in place.
func (l *layer) backward(dout *mat.Dense) *mat.Dense {
	rows, cols := dout.Dims()
	if l.relu {
		for i := 0; i < rows; i++ {
			g, o := dout.RawRowView(i), l.out.RawRowView(i)
			for j := range g {
				if o[j] <= 0 {
					g[j] = 0
				}
			}
		}
	}
	var gw mat.Dense
	gw.Mul(l.x.T(), dout)
	l.gw.Add(l.gw, &gw)
	gb := l.gb.RawVector().Data
	for i := 0; i < rows; i++ {
		row := dout.RawRowView(i)
		for j := 0; j < cols; j++ {
			gb[j] += row[j]
		}
	}
	in, _ := l.w.Dims()
	dx := mat.NewDense(rows, in, nil)
	dx.Mul(dout, l.w.T())
	return dx
}

// param pairs a flat parameter slice with its gradient.
type param struct {
	val  []float64
	grad []float64
}

// Network maps a decision state to one score per action. With dueling heads
// the score is V(s) + A(s,a) - mean(A(s,·)).
type Network struct {
	trunk   []*layer
	head    []*layer
	value   []*layer
	dueling bool
}

// NewNetwork builds a ReLU MLP. All hidden widths but the last form the shared
// trunk; the last width is the hidden layer of each head.
func NewNetwork(stateDim, actionDim int, hidden []int, dueling bool, rng *rand.Rand) *Network {
	n := &Network{dueling: dueling}
	prev := stateDim
	for _, h := range hidden[:len(hidden)-1] {
		n.trunk = append(n.trunk, newLayer(prev, h, true, rng))
		prev = h
	}
	last := hidden[len(hidden)-1]
	n.head = []*layer{newLayer(prev, last, true, rng), newLayer(last, actionDim, false, rng)}
	if dueling {
		n.value = []*layer{newLayer(prev, last, true, rng), newLayer(last, 1, false, rng)}
	}
	return n
}

// Forward scores a batch (one state per row).
func (n *Network) Forward(x *mat.Dense) *mat.Dense {
	f := forwardChain(n.trunk, x)
	a := forwardChain(n.head, f)
	if !n.dueling {
		return a
	}
	v := forwardChain(n.value, f)
	rows, cols := a.Dims()
	q := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		ar := a.RawRowView(i)
		mean := floats.Sum(ar) / float64(cols)
		base := v.At(i, 0) - mean
		qr := q.RawRowView(i)
		for j := range qr {
			qr[j] = base + ar[j]
		}
	}
	return q
}

// Predict scores a single state.
func (n *Network) Predict(state []float64) []float64 {
	x := mat.NewDense(1, len(state), append([]float64(nil), state...))
	return append([]float64(nil), n.Forward(x).RawRowView(0)...)
}

// Backward propagates dQ (batch×actions) from the most recent Forward.
func (n *Network) Backward(dq *mat.Dense) {
	da := dq
	var dv *mat.Dense
	if n.dueling {
		rows, cols := dq.Dims()
		da = mat.NewDense(rows, cols, nil)
		dv = mat.NewDense(rows, 1, nil)
		for i := 0; i < rows; i++ {
			g := dq.RawRowView(i)
			s := floats.Sum(g)
			dv.Set(i, 0, s)
			dr := da.RawRowView(i)
			for j := range g {
				dr[j] = g[j] - s/float64(cols)
			}
		}
	}
	df := backwardChain(n.head, da)
	if n.dueling {
		df.Add(df, backwardChain(n.value, dv))
	}
	backwardChain(n.trunk, df)
}

func forwardChain(ls []*layer, x *mat.Dense) *mat.Dense {
	for _, l := range ls {
		x = l.forward(x)
	}
	return x
}

func backwardChain(ls []*layer, d *mat.Dense) *mat.Dense {
	for i := len(ls) - 1; i >= 0; i-- {
		d = ls[i].backward(d)
	}
	return d
}

func (n *Network) layers() []*layer {
	out := append([]*layer(nil), n.trunk...)
	out = append(out, n.head...)
	return append(out, n.value...)
}

// params lists parameters in a stable order: per layer, weights then bias.
func (n *Network) params() []param {
	var ps []param
	for _, l := range n.layers() {
		ps = append(ps,
			param{val: l.w.RawMatrix().Data, grad: l.gw.RawMatrix().Data},
			param{val: l.b.RawVector().Data, grad: l.gb.RawVector().Data},
		)
	}
	return ps
}

func (n *Network) zeroGrad() {
	for _, p := range n.params() {
		for i := range p.grad {
			p.grad[i] = 0
		}
	}
}

// CopyFrom overwrites n's parameters with src's. Shapes must match.
func (n *Network) CopyFrom(src *Network) {
	dst := n.params()
	for i, p := range src.params() {
		copy(dst[i].val, p.val)
	}
}

func (n *Network) snapshot() [][]float64 {
	ps := n.params()
	out := make([][]float64, len(ps))
	for i, p := range ps {
		out[i] = append([]float64(nil), p.val...)
	}
	return out
}

func (n *Network) restore(vals [][]float64) bool {
	ps := n.params()
	if len(vals) != len(ps) {
		return false
	}
	for i, p := range ps {
		if len(vals[i]) != len(p.val) {
			return false
		}
	}
	for i, p := range ps {
		copy(p.val, vals[i])
	}
	return true
}

// clipGradNorm rescales gradients so their global L2 norm is at most maxNorm
// and returns the norm before clipping.
func clipGradNorm(ps []param, maxNorm float64) float64 {
	sq := 0.0
	for _, p := range ps {
		sq += floats.Dot(p.grad, p.grad)
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, p := range ps {
			floats.Scale(scale, p.grad)
		}
	}
	return norm
}

// adam is the Adam optimizer over a fixed parameter list.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  [][]float64
}

func newAdam(ps []param, lr float64) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
	for _, p := range ps {
		a.m = append(a.m, make([]float64, len(p.val)))
		a.v = append(a.v, make([]float64, len(p.val)))
	}
	return a
}

func (a *adam) step(ps []param) {
	a.t++
	bc1 := 1 - math.Pow(a.beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.beta2, float64(a.t))
	for k, p := range ps {
		m, v := a.m[k], a.v[k]
		for i, g := range p.grad {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			p.val[i] -= a.lr * (m[i] / bc1) / (math.Sqrt(v[i]/bc2) + a.eps)
		}
	}
}
