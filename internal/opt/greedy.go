package opt

import (
	"context"
	"math"

	"vrpopt/internal/model"
	"vrpopt/internal/vrp"
)

// Greedy is the nearest-feasible-neighbor heuristic. Each vehicle, in input
// order, leaves the depot and repeatedly takes the closest unassigned
// customer that still fits, then returns. It is deterministic: the first
// minimum in input order wins.
type Greedy struct{}

func (Greedy) Solve(ctx context.Context, req *model.OptimizeRequest) (Plan, error) {
	assigned := make([]bool, len(req.Customers))
	left := len(req.Customers)
	orders := make([][]int, len(req.Vehicles))
	for v, veh := range req.Vehicles {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		lat, lon := req.Depot.Lat, req.Depot.Lon
		load := 0
		for left > 0 {
			best, bestD := -1, math.Inf(1)
			for i, c := range req.Customers {
				if assigned[i] || load+c.Demand > veh.Capacity {
					continue
				}
				if d := vrp.HaversineKm(lat, lon, c.Lat, c.Lon); d < bestD {
					best, bestD = i, d
				}
			}
			if best < 0 {
				break
			}
			c := req.Customers[best]
			orders[v] = append(orders[v], best)
			assigned[best] = true
			left--
			load += c.Demand
			lat, lon = c.Lat, c.Lon
		}
	}
	return Plan{Orders: orders, Metrics: map[string]any{"method": "greedy"}}, nil
}
