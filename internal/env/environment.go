// Package env simulates route construction one decision at a time. It is
// driven by the learner during training and by the learned strategy at
// inference time.
package env

import (
	"errors"
	"fmt"
	"math"

	"vrpopt/internal/config"
	"vrpopt/internal/vrp"
)

// Features per node slot and trailing global features in the decision state.
const (
	NodeFeatures   = 5
	GlobalFeatures = 4
)

var (
	ErrEmptyInstance = errors.New("env: instance needs at least one customer and one vehicle")
	ErrTooManyNodes  = errors.New("env: instance has more customers than action slots")
)

// Step outcomes, reported in Info.Event.
const (
	EventVisit    = "visit"
	EventDepot    = "depot"
	EventRevisit  = "revisit"
	EventOverflow = "overflow"
	EventInvalid  = "invalid"
)

// Options shape the action space and vehicle rotation.
type Options struct {
	// Slots fixes the number of node actions. Zero uses the instance size.
	// Extra slots beyond the instance's customers are permanently masked.
	Slots int
	// SingleTrip retires a vehicle at its first depot return instead of
	// rotating it back into service.
	SingleTrip bool
}

// VehicleState is the simulated state of one vehicle.
type VehicleState struct {
	ID       string
	Capacity int
	Load     int
	Pos      vrp.Point
	AtDepot  bool
	Route    []int
	Distance float64
}

// Info summarizes the environment after a step.
type Info struct {
	Event         string
	TotalDistance float64
	Visited       int
	Remaining     int
	ActiveVehicle int
	Steps         int
	TotalReward   float64
}

// Outcome is the result of one step. State is the environment's decision
// state buffer and is overwritten by the next Step or Reset.
type Outcome struct {
	State      []float64
	Reward     float64
	Terminated bool
	Truncated  bool
	Info       Info
}

func (o Outcome) Done() bool { return o.Terminated || o.Truncated }

// Quality describes the current solution.
type Quality struct {
	TotalDistance          float64 `json:"total_distance"`
	CustomersServed        int     `json:"customers_served"`
	ServiceRate            float64 `json:"service_rate"`
	EfficiencyRatio        float64 `json:"efficiency_ratio"`
	AvgDistancePerCustomer float64 `json:"avg_distance_per_customer"`
}

// Environment is one episode of sequential route building over an Instance.
type Environment struct {
	rw   config.Reward
	opts Options

	inst      *vrp.Instance
	slots     int
	visited   []bool
	nVisited  int
	vehicles  []VehicleState
	retired   []bool
	active    int
	exhausted bool
	steps     int
	maxSteps  int
	total     float64
	ref       float64
	done      bool
	truncated bool
	state     []float64
}

func New(rw config.Reward, opts Options) *Environment {
	return &Environment{rw: rw, opts: opts}
}

// StateDim is the decision state length for the configured slots.
func (e *Environment) StateDim() int { return e.slotCount()*NodeFeatures + GlobalFeatures }

// ActionDim is slots+1; the last action returns the active vehicle to depot.
func (e *Environment) ActionDim() int { return e.slotCount() + 1 }

func (e *Environment) DepotAction() int { return e.slotCount() }

func (e *Environment) slotCount() int {
	if e.opts.Slots > 0 {
		return e.opts.Slots
	}
	if e.inst != nil {
		return len(e.inst.Nodes)
	}
	return 0
}

// Reset starts an episode on inst: vehicles at the depot, every node
// unvisited. It returns the initial decision state. The environment draws
// no random numbers; seeded instances come from vrp.Generator.
func (e *Environment) Reset(inst *vrp.Instance) ([]float64, error) {
	if inst == nil || len(inst.Nodes) == 0 || len(inst.Vehicles) == 0 {
		return nil, ErrEmptyInstance
	}
	if e.opts.Slots > 0 && len(inst.Nodes) > e.opts.Slots {
		return nil, fmt.Errorf("%w: %d customers, %d slots", ErrTooManyNodes, len(inst.Nodes), e.opts.Slots)
	}
	e.inst = inst
	e.slots = e.slotCount()
	e.visited = make([]bool, len(inst.Nodes))
	e.nVisited = 0
	e.vehicles = make([]VehicleState, len(inst.Vehicles))
	for i, v := range inst.Vehicles {
		e.vehicles[i] = VehicleState{ID: v.ID, Capacity: v.Capacity, Pos: inst.Depot, AtDepot: true}
	}
	e.retired = make([]bool, len(inst.Vehicles))
	e.active = 0
	e.exhausted = false
	e.steps = 0
	e.maxSteps = len(inst.Nodes) * e.rw.StepBudgetFactor
	e.total = 0
	e.done = false
	e.truncated = false
	e.ref = e.referenceDistance()
	if len(e.state) != e.StateDim() {
		e.state = make([]float64, e.StateDim())
	}
	e.observe()
	return e.state, nil
}

// Step applies action and returns the reward for it. After the episode
// ends it returns a zero reward and repeats the final outcome's flags.
func (e *Environment) Step(action int) Outcome {
	if e.inst == nil || e.done {
		return Outcome{State: e.state, Terminated: e.done && !e.truncated, Truncated: e.truncated, Info: e.info("")}
	}
	e.steps++
	v := &e.vehicles[e.active]
	n := len(e.inst.Nodes)
	var reward float64
	var event string

	switch {
	case action == e.slots:
		reward = -e.returnToDepot(v)
		e.rotate()
		event = EventDepot
	case action >= 0 && action < n:
		node := e.inst.Nodes[action]
		switch {
		case e.visited[action]:
			reward = -e.rw.RevisitPenalty
			event = EventRevisit
		case v.Load+node.Demand > v.Capacity:
			reward = -e.rw.OverflowPenalty - e.returnToDepot(v)
			if e.opts.SingleTrip {
				e.rotate()
			}
			event = EventOverflow
		default:
			d := vrp.Euclid(v.Pos, node.Point())
			v.Distance += d
			v.Pos = node.Point()
			v.AtDepot = false
			v.Load += node.Demand
			v.Route = append(v.Route, action)
			e.visited[action] = true
			e.nVisited++
			reward = -e.rw.DistanceWeight*d + e.rw.PriorityWeight*float64(node.Priority)
			if float64(v.Load)/float64(v.Capacity) > e.rw.LoadBonusThreshold {
				reward += e.rw.LoadBonus
			}
			event = EventVisit
		}
	case action >= n && action < e.slots:
		// padding slots are permanently visited
		reward = -e.rw.RevisitPenalty
		event = EventRevisit
	default:
		reward = -e.rw.InvalidPenalty
		event = EventInvalid
	}

	out := Outcome{}
	if e.nVisited == n {
		for i := range e.vehicles {
			if !e.vehicles[i].AtDepot {
				reward -= e.returnToDepot(&e.vehicles[i])
			}
		}
		reward += e.rw.CompletionBonus
		out.Terminated = true
	} else if e.steps >= e.maxSteps || e.exhausted {
		reward -= e.rw.UnvisitedPenalty * float64(n-e.nVisited)
		out.Truncated = true
	}
	e.done = out.Done()
	e.truncated = out.Truncated
	e.total += reward
	e.observe()
	out.State = e.state
	out.Reward = reward
	out.Info = e.info(event)
	return out
}

// returnToDepot moves v home and returns the weighted distance cost.
func (e *Environment) returnToDepot(v *VehicleState) float64 {
	d := vrp.Euclid(v.Pos, e.inst.Depot)
	v.Distance += d
	v.Pos = e.inst.Depot
	v.AtDepot = true
	v.Load = 0
	return e.rw.DistanceWeight * d
}

// rotate hands control to the next vehicle round-robin, skipping retired
// vehicles in single-trip mode.
func (e *Environment) rotate() {
	k := len(e.vehicles)
	if !e.opts.SingleTrip {
		e.active = (e.active + 1) % k
		return
	}
	e.retired[e.active] = true
	for i := 1; i <= k; i++ {
		j := (e.active + i) % k
		if !e.retired[j] {
			e.active = j
			return
		}
	}
	e.exhausted = true
}

// ActionMask marks legal actions: depot return always, plus every unvisited
// node whose demand fits the active vehicle's remaining capacity.
func (e *Environment) ActionMask() []bool {
	mask := make([]bool, e.ActionDim())
	mask[len(mask)-1] = true
	if e.inst == nil {
		return mask
	}
	v := e.vehicles[e.active]
	for i, node := range e.inst.Nodes {
		mask[i] = !e.visited[i] && v.Load+node.Demand <= v.Capacity
	}
	return mask
}

func (e *Environment) observe() {
	v := e.vehicles[e.active]
	maxDemand := float64(e.inst.MaxDemand)
	if maxDemand <= 0 {
		maxDemand = 1
	}
	s := e.state
	for i := 0; i < e.slots; i++ {
		o := i * NodeFeatures
		if i >= len(e.inst.Nodes) {
			s[o], s[o+1], s[o+2], s[o+3], s[o+4] = 0, 0, 0, 1, 0
			continue
		}
		node := e.inst.Nodes[i]
		s[o] = node.X
		s[o+1] = node.Y
		s[o+2] = float64(node.Demand) / maxDemand
		s[o+3] = 0
		if e.visited[i] {
			s[o+3] = 1
		}
		s[o+4] = vrp.Euclid(v.Pos, node.Point())
	}
	g := e.slots * NodeFeatures
	capacity := float64(v.Capacity)
	s[g] = float64(v.Load) / capacity
	s[g+1] = (capacity - float64(v.Load)) / capacity
	s[g+2] = float64(e.active) / float64(len(e.vehicles))
	s[g+3] = float64(len(e.inst.Nodes)-e.nVisited) / float64(len(e.inst.Nodes))
}

func (e *Environment) info(event string) Info {
	in := Info{Event: event, Steps: e.steps, TotalReward: e.total, ActiveVehicle: e.active}
	if e.inst == nil {
		return in
	}
	in.TotalDistance = e.totalDistance()
	in.Visited = e.nVisited
	in.Remaining = len(e.inst.Nodes) - e.nVisited
	return in
}

func (e *Environment) totalDistance() float64 {
	t := 0.0
	for _, v := range e.vehicles {
		t += v.Distance
	}
	return t
}

// SolutionQuality reports distance, service rate and efficiency against the
// nearest-neighbor reference tour computed at reset.
func (e *Environment) SolutionQuality() Quality {
	if e.inst == nil {
		return Quality{}
	}
	total := e.totalDistance()
	return Quality{
		TotalDistance:          total,
		CustomersServed:        e.nVisited,
		ServiceRate:            float64(e.nVisited) / float64(len(e.inst.Nodes)),
		EfficiencyRatio:        e.ref / math.Max(total, 0.001),
		AvgDistancePerCustomer: total / float64(max(e.nVisited, 1)),
	}
}

// referenceDistance is a single nearest-neighbor tour over all nodes from
// the depot and back, ignoring capacity.
func (e *Environment) referenceDistance() float64 {
	seen := make([]bool, len(e.inst.Nodes))
	cur := e.inst.Depot
	total := 0.0
	for range e.inst.Nodes {
		best, bestD := -1, math.Inf(1)
		for i, n := range e.inst.Nodes {
			if seen[i] {
				continue
			}
			if d := vrp.Euclid(cur, n.Point()); d < bestD {
				best, bestD = i, d
			}
		}
		seen[best] = true
		cur = e.inst.Nodes[best].Point()
		total += bestD
	}
	return total + vrp.Euclid(cur, e.inst.Depot)
}

// Vehicles returns a copy of the vehicle states.
func (e *Environment) Vehicles() []VehicleState {
	out := make([]VehicleState, len(e.vehicles))
	for i, v := range e.vehicles {
		v.Route = append([]int(nil), v.Route...)
		out[i] = v
	}
	return out
}

func (e *Environment) TotalReward() float64 { return e.total }
func (e *Environment) Done() bool          { return e.done }
func (e *Environment) Instance() *vrp.Instance {
	return e.inst
}
