package opt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"vrpopt/internal/model"
	"vrpopt/internal/vrp"
)

// Exact delegates to an external constraint-programming routing sidecar.
// The sidecar receives a meter distance matrix with the depot at index 0 and
// answers with per-vehicle node sequences.
type Exact struct {
	url    string
	budget time.Duration
	client *http.Client
}

// NewExact returns an adapter for the solver at url. An empty url makes
// every call report ErrSolverUnavailable.
func NewExact(url string, budget time.Duration) *Exact {
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return &Exact{
		url:    strings.TrimRight(url, "/"),
		budget: budget,
		// solver budget plus transport slack
		client: &http.Client{Timeout: budget + 5*time.Second},
	}
}

type exactRequest struct {
	DistanceMatrix    [][]int64 `json:"distance_matrix"`
	Demands           []int     `json:"demands"`
	VehicleCapacities []int     `json:"vehicle_capacities"`
	Depot             int       `json:"depot"`
	TimeLimitSeconds  int       `json:"time_limit_seconds"`
}

type exactResponse struct {
	Status    string  `json:"status"`
	Routes    [][]int `json:"routes"`
	Objective *int64  `json:"objective,omitempty"`
}

// DistanceMatrix returns pairwise haversine meters over depot + customers.
func DistanceMatrix(depot model.Depot, customers []model.Customer) [][]int64 {
	n := len(customers) + 1
	lat := make([]float64, n)
	lon := make([]float64, n)
	lat[0], lon[0] = depot.Lat, depot.Lon
	for i, c := range customers {
		lat[i+1], lon[i+1] = c.Lat, c.Lon
	}
	m := make([][]int64, n)
	for i := range m {
		m[i] = make([]int64, n)
		for j := range m[i] {
			if i != j {
				m[i][j] = int64(math.Round(vrp.HaversineKm(lat[i], lon[i], lat[j], lon[j]) * 1000))
			}
		}
	}
	return m
}

func (e *Exact) Solve(ctx context.Context, req *model.OptimizeRequest) (Plan, error) {
	if e == nil || e.url == "" {
		return Plan{}, ErrSolverUnavailable
	}
	body := exactRequest{
		DistanceMatrix:    DistanceMatrix(req.Depot, req.Customers),
		Demands:           make([]int, len(req.Customers)+1),
		VehicleCapacities: make([]int, len(req.Vehicles)),
		TimeLimitSeconds:  int(e.budget / time.Second),
	}
	for i, c := range req.Customers {
		body.Demands[i+1] = c.Demand
	}
	for i, v := range req.Vehicles {
		body.VehicleCapacities[i] = v.Capacity
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Plan{}, fmt.Errorf("exact: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.client.Timeout)
	defer cancel()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/solve", bytes.NewReader(payload))
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrSolverUnavailable, err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	resp, err := e.client.Do(hreq)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrSolverUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnprocessableEntity {
		return Plan{}, ErrNoSolution
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Plan{}, fmt.Errorf("%w: status %d: %s", ErrSolverUnavailable, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out exactResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Plan{}, fmt.Errorf("%w: decode response: %v", ErrSolverUnavailable, err)
	}

	switch strings.ToLower(out.Status) {
	case "optimal", "feasible", "success":
	default:
		return Plan{}, fmt.Errorf("%w: status %q", ErrNoSolution, out.Status)
	}
	orders, err := exactOrders(req, out.Routes)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrNoSolution, err)
	}
	metrics := map[string]any{"method": "exact", "solver_status": strings.ToLower(out.Status)}
	if out.Objective != nil {
		metrics["objective_m"] = *out.Objective
	}
	return Plan{Orders: orders, Metrics: metrics}, nil
}

// exactOrders maps matrix node sequences back to customer indices. Depot
// entries are dropped.
func exactOrders(req *model.OptimizeRequest, routes [][]int) ([][]int, error) {
	if len(routes) > len(req.Vehicles) {
		return nil, fmt.Errorf("%d routes for %d vehicles", len(routes), len(req.Vehicles))
	}
	orders := make([][]int, len(req.Vehicles))
	for v, r := range routes {
		for _, node := range r {
			if node == 0 {
				continue
			}
			orders[v] = append(orders[v], node-1)
		}
	}
	if err := checkPlan(req, Plan{Orders: orders}); err != nil {
		return nil, err
	}
	return orders, nil
}
