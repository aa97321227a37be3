package opt

import (
	"slices"

	"vrpopt/internal/model"
	"vrpopt/internal/vrp"
)

// ImproveOrder2Opt applies 2-opt moves to one vehicle's closed tour. order
// lists indices into customers; the depot stays fixed at both ends, so the
// load and the set of stops never change.
func ImproveOrder2Opt(depot model.Location, customers []model.Customer, order []int, iterations int) []int {
	if len(order) < 3 {
		return order
	}
	if iterations <= 0 {
		iterations = 1
	}
	// path[0] and path[n-1] are the depot (-1)
	path := make([]int, 0, len(order)+2)
	path = append(path, -1)
	path = append(path, order...)
	path = append(path, -1)
	loc := func(i int) model.Location {
		if i < 0 {
			return depot
		}
		return model.Location{Lat: customers[i].Lat, Lon: customers[i].Lon}
	}

	best := path
	bestDist := pathDistance(loc, best)
	n := len(path)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 1; i < n-2; i++ {
			for k := i + 1; k < n-1; k++ {
				cand := twoOptSwap(best, i, k)
				d := pathDistance(loc, cand)
				if d+1e-6 < bestDist {
					best = cand
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return append([]int(nil), best[1:n-1]...)
}

// twoOptSwap returns a copy of ord with the segment i..k reversed.
func twoOptSwap(ord []int, i, k int) []int {
	out := slices.Clone(ord)
	slices.Reverse(out[i : k+1])
	return out
}

func pathDistance(loc func(int) model.Location, order []int) float64 {
	total := 0.0
	for i := 0; i < len(order)-1; i++ {
		a, b := loc(order[i]), loc(order[i+1])
		total += vrp.HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
	}
	return total
}
