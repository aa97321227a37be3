// Package opt dispatches optimization requests to routing strategies and
// normalizes their output into one result shape.
package opt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"vrpopt/internal/model"
)

// ErrStrategyUnavailable marks failures that degrade silently to the
// constructive heuristic.
var ErrStrategyUnavailable = errors.New("strategy unavailable")

var (
	ErrSolverUnavailable = fmt.Errorf("%w: exact solver unreachable", ErrStrategyUnavailable)
	ErrNoSolution        = fmt.Errorf("%w: exact solver found no solution", ErrStrategyUnavailable)
	ErrNoModel           = fmt.Errorf("%w: no trained policy", ErrStrategyUnavailable)
	ErrModelTooSmall     = fmt.Errorf("%w: instance exceeds policy size", ErrStrategyUnavailable)
	ErrStrategyTimeout   = fmt.Errorf("%w: strategy deadline exceeded", ErrStrategyUnavailable)
)

// ValidationError rejects a request before any strategy runs.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// Plan is a strategy's assignment. Orders has one entry per request vehicle,
// in request order, listing indices into the request's customers in visit
// order.
type Plan struct {
	Orders  [][]int
	Metrics map[string]any
}

// Strategy turns a validated request into a plan. Implementations must be
// safe for concurrent use.
type Strategy interface {
	Solve(ctx context.Context, req *model.OptimizeRequest) (Plan, error)
}

// NormalizeMethod maps a selection token or alias onto a method constant.
// The empty token selects def.
func NormalizeMethod(method, def string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(method))
	if m == "" {
		m = strings.ToLower(def)
	}
	if m == "" {
		return model.MethodConstructive, nil
	}
	for _, d := range methodCatalog {
		if m == d.ID || slices.Contains(d.Aliases, m) {
			return d.ID, nil
		}
	}
	return "", fmt.Errorf("unknown method %q", method)
}

var methodCatalog = []model.MethodInfo{
	{
		ID:             model.MethodLearned,
		Name:           "Learned policy (double DQN)",
		Description:    "Greedy rollout of the active trained policy through the route construction environment.",
		RecommendedFor: "fleets similar to the training scenarios",
		Aliases:        []string{"rl", "dqn"},
	},
	{
		ID:             model.MethodConstructive,
		Name:           "Nearest feasible neighbor",
		Description:    "Fast deterministic heuristic taking the closest customer that still fits.",
		RecommendedFor: "quick answers and baselines",
		Aliases:        []string{"greedy", "heuristic"},
	},
	{
		ID:             model.MethodExact,
		Name:           "Exact CP solver",
		Description:    "Constraint-programming router behind an external sidecar, bounded by a time budget.",
		RecommendedFor: "small instances where optimality matters",
		Aliases:        []string{"ortools"},
	},
}

// Validate checks the request shape. An empty customer list is valid.
func Validate(req *model.OptimizeRequest) error {
	var probs []string
	if len(req.Vehicles) == 0 {
		probs = append(probs, "at least one vehicle is required")
	}
	vids := map[string]bool{}
	for i, v := range req.Vehicles {
		if v.Capacity < 1 {
			probs = append(probs, fmt.Sprintf("vehicles[%d]: capacity must be positive", i))
		}
		if v.ID == "" {
			probs = append(probs, fmt.Sprintf("vehicles[%d]: id required", i))
		} else if vids[v.ID] {
			probs = append(probs, fmt.Sprintf("vehicles[%d]: duplicate id %q", i, v.ID))
		}
		vids[v.ID] = true
	}
	if !validCoord(req.Depot.Lat, req.Depot.Lon) {
		probs = append(probs, "depot: coordinates out of range")
	}
	cids := map[string]bool{}
	for i, c := range req.Customers {
		switch {
		case c.ID == "":
			probs = append(probs, fmt.Sprintf("customers[%d]: id required", i))
		case cids[c.ID]:
			probs = append(probs, fmt.Sprintf("customers[%d]: duplicate id %q", i, c.ID))
		}
		cids[c.ID] = true
		if c.Demand < 1 {
			probs = append(probs, fmt.Sprintf("customers[%d]: demand must be positive", i))
		}
		if c.Priority < 1 || c.Priority > 5 {
			probs = append(probs, fmt.Sprintf("customers[%d]: priority must be in 1..5", i))
		}
		if !validCoord(c.Lat, c.Lon) {
			probs = append(probs, fmt.Sprintf("customers[%d]: coordinates out of range", i))
		}
	}
	if len(probs) > 0 {
		return &ValidationError{Problems: probs}
	}
	return nil
}

func validCoord(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// checkPlan verifies a plan against the request: one order per vehicle,
// every customer at most once, capacity respected.
func checkPlan(req *model.OptimizeRequest, p Plan) error {
	if len(p.Orders) != len(req.Vehicles) {
		return fmt.Errorf("plan has %d orders for %d vehicles", len(p.Orders), len(req.Vehicles))
	}
	seen := make([]bool, len(req.Customers))
	for v, order := range p.Orders {
		load := 0
		for _, c := range order {
			if c < 0 || c >= len(req.Customers) {
				return fmt.Errorf("vehicle %s: customer index %d out of range", req.Vehicles[v].ID, c)
			}
			if seen[c] {
				return fmt.Errorf("customer %s assigned twice", req.Customers[c].ID)
			}
			seen[c] = true
			load += req.Customers[c].Demand
		}
		if load > req.Vehicles[v].Capacity {
			return fmt.Errorf("vehicle %s: load %d exceeds capacity %d", req.Vehicles[v].ID, load, req.Vehicles[v].Capacity)
		}
	}
	return nil
}
