// Package vrp holds the problem instance shared by the simulation and the
// optimization strategies.
package vrp

import (
	"math"
	"math/rand"
	"strconv"

	"vrpopt/internal/model"
)

// minRange floors a bounding-box side so single-point instances still map
// into the unit square.
const minRange = 0.001

// Point is a position in the normalized unit square.
type Point struct{ X, Y float64 }

// Node is a customer inside one instance. Lat/Lon are kept for reporting.
type Node struct {
	ID       string
	X, Y     float64
	Lat, Lon float64
	Demand   int
	Priority int
}

func (n Node) Point() Point { return Point{X: n.X, Y: n.Y} }

type VehicleSpec struct {
	ID       string
	Capacity int
}

// Bounds is the lat/lon box used to normalize one instance.
type Bounds struct {
	LatMin, LatMax float64
	LonMin, LonMax float64
}

func (b Bounds) latRange() float64 { return math.Max(b.LatMax-b.LatMin, minRange) }
func (b Bounds) lonRange() float64 { return math.Max(b.LonMax-b.LonMin, minRange) }

// Normalize maps lat/lon into the unit square (x from lon, y from lat).
func (b Bounds) Normalize(lat, lon float64) Point {
	return Point{X: (lon - b.LonMin) / b.lonRange(), Y: (lat - b.LatMin) / b.latRange()}
}

// Denormalize is the inverse of Normalize.
func (b Bounds) Denormalize(p Point) (lat, lon float64) {
	return p.Y*b.latRange() + b.LatMin, p.X*b.lonRange() + b.LonMin
}

// Instance is a normalized snapshot of depot, customers and vehicles for one
// optimization call or one training episode.
type Instance struct {
	Depot    Point
	DepotLat float64
	DepotLon float64
	Nodes    []Node
	Vehicles []VehicleSpec
	Bounds   Bounds
	// MaxDemand scales demand in the decision state.
	MaxDemand int
}

// FromRequest builds an instance whose bounding box covers the depot and all
// customers.
func FromRequest(depot model.Depot, customers []model.Customer, vehicles []model.Vehicle, maxDemand int) *Instance {
	b := Bounds{LatMin: depot.Lat, LatMax: depot.Lat, LonMin: depot.Lon, LonMax: depot.Lon}
	for _, c := range customers {
		b.LatMin = math.Min(b.LatMin, c.Lat)
		b.LatMax = math.Max(b.LatMax, c.Lat)
		b.LonMin = math.Min(b.LonMin, c.Lon)
		b.LonMax = math.Max(b.LonMax, c.Lon)
	}
	inst := &Instance{
		Depot:     b.Normalize(depot.Lat, depot.Lon),
		DepotLat:  depot.Lat,
		DepotLon:  depot.Lon,
		Bounds:    b,
		MaxDemand: maxDemand,
		Nodes:     make([]Node, len(customers)),
		Vehicles:  make([]VehicleSpec, len(vehicles)),
	}
	for i, c := range customers {
		p := b.Normalize(c.Lat, c.Lon)
		inst.Nodes[i] = Node{ID: c.ID, X: p.X, Y: p.Y, Lat: c.Lat, Lon: c.Lon, Demand: c.Demand, Priority: c.Priority}
	}
	for i, v := range vehicles {
		inst.Vehicles[i] = VehicleSpec{ID: v.ID, Capacity: v.Capacity}
	}
	return inst
}

// TotalDemand sums customer demand.
func (in *Instance) TotalDemand() int {
	t := 0
	for _, n := range in.Nodes {
		t += n.Demand
	}
	return t
}

// Generator produces random training instances: depot at the center,
// customers uniform in [0.1, 0.9]².
type Generator struct {
	rng       *rand.Rand
	customers int
	vehicles  int
	capacity  int
	maxDemand int
}

func NewGenerator(seed int64, customers, vehicles, capacity, maxDemand int) *Generator {
	return &Generator{
		rng:       rand.New(rand.NewSource(seed)),
		customers: customers,
		vehicles:  vehicles,
		capacity:  capacity,
		maxDemand: maxDemand,
	}
}

// Next draws a fresh instance.
func (g *Generator) Next() *Instance {
	inst := &Instance{
		Depot:     Point{X: 0.5, Y: 0.5},
		Bounds:    Bounds{LatMax: 1, LonMax: 1},
		MaxDemand: g.maxDemand,
		Nodes:     make([]Node, g.customers),
		Vehicles:  make([]VehicleSpec, g.vehicles),
	}
	inst.DepotLat, inst.DepotLon = 0.5, 0.5
	for i := range inst.Nodes {
		x := 0.1 + 0.8*g.rng.Float64()
		y := 0.1 + 0.8*g.rng.Float64()
		inst.Nodes[i] = Node{
			ID:       strconv.Itoa(i),
			X:        x,
			Y:        y,
			Lat:      y,
			Lon:      x,
			Demand:   1 + g.rng.Intn(g.maxDemand),
			Priority: 1 + g.rng.Intn(5),
		}
	}
	for i := range inst.Vehicles {
		inst.Vehicles[i] = VehicleSpec{ID: strconv.Itoa(i), Capacity: g.capacity}
	}
	return inst
}
