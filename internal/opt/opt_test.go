package opt

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrpopt/internal/config"
	"vrpopt/internal/dqn"
	"vrpopt/internal/env"
	"vrpopt/internal/model"
)

func testOptimizer() config.Optimizer {
	return config.Default().Optimizer
}

func randomRequest(rng *rand.Rand, customers, vehicles, capacity int) model.OptimizeRequest {
	req := model.OptimizeRequest{Depot: model.Depot{ID: "depot", Lat: 40.42, Lon: -3.70}}
	for i := 0; i < customers; i++ {
		req.Customers = append(req.Customers, model.Customer{
			ID:       "c" + strconv.Itoa(i),
			Lat:      40.30 + 0.25*rng.Float64(),
			Lon:      -3.85 + 0.30*rng.Float64(),
			Demand:   1 + rng.Intn(20),
			Priority: 1 + rng.Intn(5),
		})
	}
	for i := 0; i < vehicles; i++ {
		req.Vehicles = append(req.Vehicles, model.Vehicle{ID: "v" + strconv.Itoa(i), Capacity: capacity})
	}
	return req
}

// assertFeasible checks capacity, uniqueness and the served/unserved split.
func assertFeasible(t *testing.T, req model.OptimizeRequest, res model.Result) {
	t.Helper()
	require.True(t, res.Success, res.Error)
	caps := map[string]int{}
	for _, v := range req.Vehicles {
		caps[v.ID] = v.Capacity
	}
	seen := map[string]bool{}
	served := 0
	for _, r := range res.Routes {
		load := 0
		for _, s := range r.Stops {
			assert.False(t, seen[s.CustomerID], "customer %s routed twice", s.CustomerID)
			seen[s.CustomerID] = true
			load += s.Demand
		}
		assert.LessOrEqual(t, load, caps[r.VehicleID], "vehicle %s overloaded", r.VehicleID)
		assert.Equal(t, load, r.TotalDemand)
		served += len(r.Stops)
	}
	for _, id := range res.Unserved {
		assert.False(t, seen[id], "unserved customer %s is routed", id)
	}
	assert.Equal(t, served, res.CustomersServed)
	assert.Equal(t, len(req.Customers), res.CustomersServed+res.CustomersUnserved)
}

func TestGreedyServesTwoThenReturns(t *testing.T) {
	req := model.OptimizeRequest{
		Depot: model.Depot{ID: "d", Lat: 0, Lon: 0},
		Customers: []model.Customer{
			{ID: "a", Lat: 0.01, Lon: 0, Demand: 5, Priority: 1},
			{ID: "b", Lat: 0.02, Lon: 0, Demand: 5, Priority: 1},
			{ID: "c", Lat: 0.03, Lon: 0, Demand: 5, Priority: 1},
		},
		Vehicles: []model.Vehicle{{ID: "v1", Capacity: 10}},
	}
	res, err := NewOrchestrator(testOptimizer()).Optimize(context.Background(), req)
	require.NoError(t, err)
	assertFeasible(t, req, res)
	assert.Equal(t, 2, res.CustomersServed)
	assert.Equal(t, 1, res.CustomersUnserved)
	assert.Equal(t, []string{"c"}, res.Unserved)
	require.Len(t, res.Routes, 1)
	r := res.Routes[0]
	assert.Equal(t, "a", r.Stops[0].CustomerID)
	assert.Equal(t, "b", r.Stops[1].CustomerID)
	// out 0.02° and back again
	assert.InDelta(t, 4*1.11195, r.TotalDistanceKm, 0.01)
	assert.InDelta(t, r.TotalDistanceKm*2, r.TotalTimeMinutes, 1e-9)
	assert.InDelta(t, r.Stops[1].CumulativeDistanceKm, r.Stops[0].LegDistanceKm+r.Stops[1].LegDistanceKm, 1e-9)
	assert.Equal(t, model.Location{Lat: 0, Lon: 0}, r.Polyline[0])
	assert.Equal(t, model.Location{Lat: 0, Lon: 0}, r.Polyline[len(r.Polyline)-1])
	assert.Equal(t, "greedy", res.Metrics["method"])
}

func TestGreedyIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	req := randomRequest(rng, 40, 4, 60)
	o := NewOrchestrator(testOptimizer())
	first, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := o.Optimize(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Routes, again.Routes)
		assert.Equal(t, first.TotalDistanceKm, again.TotalDistanceKm)
	}
}

func TestGreedyTiesPickFirst(t *testing.T) {
	req := model.OptimizeRequest{
		Depot: model.Depot{Lat: 0, Lon: 0},
		Customers: []model.Customer{
			{ID: "east", Lat: 0, Lon: 0.01, Demand: 1, Priority: 1},
			{ID: "west", Lat: 0, Lon: -0.01, Demand: 1, Priority: 1},
		},
		Vehicles: []model.Vehicle{{ID: "v", Capacity: 1}},
	}
	p, err := Greedy{}.Solve(context.Background(), &req)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0}}, p.Orders)
}

func TestCapacityAndUniquenessAcrossStrategies(t *testing.T) {
	dir := t.TempDir()
	saveTinyPolicy(t, dir, "tiny", 30)
	exact := httptest.NewServer(fakeSolver(t))
	defer exact.Close()
	o := NewOrchestrator(testOptimizer(),
		WithExact(NewExact(exact.URL, time.Second)),
		WithLearned(NewLearned(config.DefaultReward(), dir, "tiny", 100, nil)),
	)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		req := randomRequest(rng, 5+rng.Intn(25), 1+rng.Intn(4), 15+rng.Intn(60))
		for _, m := range []string{"constructive", "exact", "learned"} {
			req.Method = m
			res, err := o.Optimize(context.Background(), req)
			require.NoError(t, err)
			assertFeasible(t, req, res)
			assert.Equal(t, m, res.Method)
		}
	}
}

func TestEmptyCustomersRunsNoStrategy(t *testing.T) {
	spy := &spyStrategy{}
	o := NewOrchestrator(testOptimizer(), WithExact(spy), WithLearned(spy))
	for _, m := range []string{"", "exact", "learned"} {
		res, err := o.Optimize(context.Background(), model.OptimizeRequest{
			Method:   m,
			Vehicles: []model.Vehicle{{ID: "v", Capacity: 5}},
		})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Empty(t, res.Routes)
		assert.Zero(t, res.TotalDistanceKm)
		assert.Zero(t, res.CustomersServed)
	}
	assert.Zero(t, spy.calls.Load())
}

func TestValidationErrors(t *testing.T) {
	o := NewOrchestrator(testOptimizer())
	cust := []model.Customer{{ID: "a", Lat: 1, Lon: 1, Demand: 1, Priority: 1}}
	cases := map[string]model.OptimizeRequest{
		"no vehicles":    {Customers: cust},
		"zero capacity":  {Customers: cust, Vehicles: []model.Vehicle{{ID: "v", Capacity: 0}}},
		"bad demand":     {Customers: []model.Customer{{ID: "a", Demand: 0, Priority: 1}}, Vehicles: []model.Vehicle{{ID: "v", Capacity: 1}}},
		"bad priority":   {Customers: []model.Customer{{ID: "a", Demand: 1, Priority: 9}}, Vehicles: []model.Vehicle{{ID: "v", Capacity: 1}}},
		"duplicate ids":  {Customers: append(cust, cust[0]), Vehicles: []model.Vehicle{{ID: "v", Capacity: 1}}},
		"bad latitude":   {Customers: []model.Customer{{ID: "a", Lat: 91, Demand: 1, Priority: 1}}, Vehicles: []model.Vehicle{{ID: "v", Capacity: 1}}},
		"unknown method": {Customers: cust, Vehicles: []model.Vehicle{{ID: "v", Capacity: 1}}, Method: "simplex"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := o.Optimize(context.Background(), req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.NotEmpty(t, ve.Problems)
		})
	}
}

func TestExactUnavailableFallsBackToGreedy(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	req := randomRequest(rng, 10, 2, 50)
	req.Method = "ortools"

	greedy, err := NewOrchestrator(testOptimizer()).Optimize(context.Background(), model.OptimizeRequest{Depot: req.Depot, Customers: req.Customers, Vehicles: req.Vehicles})
	require.NoError(t, err)

	for name, o := range map[string]*Orchestrator{
		"no adapter": NewOrchestrator(testOptimizer()),
		"no url":     NewOrchestrator(testOptimizer(), WithExact(NewExact("", time.Second))),
		"down":       NewOrchestrator(testOptimizer(), WithExact(NewExact("http://127.0.0.1:1", time.Second))),
	} {
		t.Run(name, func(t *testing.T) {
			res, err := o.Optimize(context.Background(), req)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, model.MethodConstructive, res.Method)
			assert.Equal(t, "greedy", res.Metrics["method"])
			assert.Equal(t, "exact", res.Metrics["fallback_from"])
			assert.Equal(t, greedy.Routes, res.Routes)
		})
	}
}

func TestExactNoSolutionFallsBack(t *testing.T) {
	for name, h := range map[string]http.HandlerFunc{
		"infeasible": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "infeasible"})
		},
		"overloaded": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "optimal", "routes": [][]int{{0, 1, 2, 3, 0}}})
		},
		"unknown node": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "optimal", "routes": [][]int{{0, 9, 0}}})
		},
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			req := model.OptimizeRequest{
				Method: "exact",
				Depot:  model.Depot{Lat: 0, Lon: 0},
				Customers: []model.Customer{
					{ID: "a", Lat: 0.01, Lon: 0, Demand: 5, Priority: 1},
					{ID: "b", Lat: 0.02, Lon: 0, Demand: 5, Priority: 1},
					{ID: "c", Lat: 0.03, Lon: 0, Demand: 5, Priority: 1},
				},
				Vehicles: []model.Vehicle{{ID: "v1", Capacity: 10}},
			}
			_, err := NewExact(srv.URL, time.Second).Solve(context.Background(), &req)
			assert.ErrorIs(t, err, ErrNoSolution)

			res, err := NewOrchestrator(testOptimizer(), WithExact(NewExact(srv.URL, time.Second))).Optimize(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, model.MethodConstructive, res.Method)
			assert.Equal(t, 2, res.CustomersServed)
		})
	}
}

func TestExactSendsMatrix(t *testing.T) {
	var got exactRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/solve", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "OPTIMAL", "routes": [][]int{{0, 2, 1, 0}}, "objective": 4448})
	}))
	defer srv.Close()
	req := model.OptimizeRequest{
		Depot: model.Depot{Lat: 0, Lon: 0},
		Customers: []model.Customer{
			{ID: "a", Lat: 0.01, Lon: 0, Demand: 3, Priority: 1},
			{ID: "b", Lat: 0.02, Lon: 0, Demand: 4, Priority: 1},
		},
		Vehicles: []model.Vehicle{{ID: "v1", Capacity: 10}, {ID: "v2", Capacity: 8}},
	}
	p, err := NewExact(srv.URL, 2*time.Second).Solve(context.Background(), &req)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 0}, nil}, p.Orders)
	assert.Equal(t, "optimal", p.Metrics["solver_status"])
	assert.Equal(t, int64(4448), p.Metrics["objective_m"])

	require.Len(t, got.DistanceMatrix, 3)
	assert.Zero(t, got.DistanceMatrix[0][0])
	assert.InDelta(t, 1112, got.DistanceMatrix[0][1], 1)
	assert.Equal(t, got.DistanceMatrix[1][2], got.DistanceMatrix[2][1])
	assert.Equal(t, []int{0, 3, 4}, got.Demands)
	assert.Equal(t, []int{10, 8}, got.VehicleCapacities)
	assert.Equal(t, 0, got.Depot)
	assert.Equal(t, 2, got.TimeLimitSeconds)
}

func TestLearnedWithoutModelFallsBack(t *testing.T) {
	o := NewOrchestrator(testOptimizer(), WithLearned(NewLearned(config.DefaultReward(), t.TempDir(), "missing", 100, nil)))
	rng := rand.New(rand.NewSource(8))
	req := randomRequest(rng, 8, 2, 40)
	req.Method = "rl"
	res, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	assertFeasible(t, req, res)
	assert.Equal(t, model.MethodConstructive, res.Method)
	assert.Equal(t, "learned", res.Metrics["fallback_from"])
}

func TestLearnedUsesPolicy(t *testing.T) {
	dir := t.TempDir()
	saveTinyPolicy(t, dir, "tiny", 10)
	l := NewLearned(config.DefaultReward(), dir, "", 100, stubLookup{active: model.ModelInfo{Name: "tiny"}})
	o := NewOrchestrator(testOptimizer(), WithLearned(l))
	rng := rand.New(rand.NewSource(21))
	req := randomRequest(rng, 10, 3, 40)
	req.Method = "learned"

	res, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	assertFeasible(t, req, res)
	assert.Equal(t, model.MethodLearned, res.Method)
	assert.Equal(t, "tiny", res.Metrics["model_name"])
	assert.Contains(t, res.Metrics, "rl_reward")
	nd := res.Metrics["normalized_distance"].(float64)
	assert.InDelta(t, nd*100, res.Metrics["scaled_km"].(float64), 1e-9)

	again, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, res.Routes, again.Routes, "greedy rollout is repeatable")

	req.Customers = append(req.Customers, randomRequest(rng, 1, 1, 1).Customers[0])
	req.Customers[len(req.Customers)-1].ID = "extra"
	res, err = o.Optimize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.MethodConstructive, res.Method, "more customers than policy slots")
}

func TestStrategyFailureIsReported(t *testing.T) {
	o := NewOrchestrator(testOptimizer(), WithExact(failingStrategy{}), WithLearned(panicStrategy{}))
	req := randomRequest(rand.New(rand.NewSource(1)), 3, 1, 100)
	for _, m := range []string{"exact", "learned"} {
		req.Method = m
		res, err := o.Optimize(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)
	}
}

func TestRoadGeometryReplacesEstimate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.True(t, strings.HasPrefix(r.URL.Path, "/route/v1/driving/"))
		assert.Equal(t, "geojson", r.URL.Query().Get("geometries"))
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":5400,"duration":600,"geometry":{"coordinates":[[0,0],[0,0.01],[0,0.02],[0,0]]}}]}`))
	}))
	defer srv.Close()

	o := NewOrchestrator(testOptimizer(), WithRoads(NewOSRM(srv.URL, time.Second, 0)))
	req := model.OptimizeRequest{
		Depot:        model.Depot{Lat: 0, Lon: 0},
		Customers:    []model.Customer{{ID: "a", Lat: 0.01, Lon: 0, Demand: 1, Priority: 1}},
		Vehicles:     []model.Vehicle{{ID: "v", Capacity: 5}},
		UseRealRoads: true,
	}
	res, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Routes, 1)
	r := res.Routes[0]
	assert.True(t, r.RoadGeometry)
	assert.InDelta(t, 5.4, r.TotalDistanceKm, 1e-9)
	assert.InDelta(t, 10, r.TotalTimeMinutes, 1e-9)
	assert.Len(t, r.Polyline, 4)
	assert.Equal(t, int32(2), calls.Load(), "one retry after 503")
}

func TestRoadFailureKeepsStraightLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad coordinates", http.StatusBadRequest)
	}))
	defer srv.Close()
	o := NewOrchestrator(testOptimizer(), WithRoads(NewOSRM(srv.URL, time.Second, 0)))
	req := model.OptimizeRequest{
		Depot:        model.Depot{Lat: 0, Lon: 0},
		Customers:    []model.Customer{{ID: "a", Lat: 0.01, Lon: 0, Demand: 1, Priority: 1}},
		Vehicles:     []model.Vehicle{{ID: "v", Capacity: 5}},
		UseRealRoads: true,
	}
	res, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	r := res.Routes[0]
	assert.False(t, r.RoadGeometry)
	assert.InDelta(t, 2*1.11195, r.TotalDistanceKm, 0.01)
	assert.InDelta(t, r.TotalDistanceKm*2, r.TotalTimeMinutes, 1e-9)
	assert.Len(t, r.Polyline, 3)
}

// hangingServer blocks every request until the client gives up.
func hangingServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStrategyDeadlineFallsBackToGreedy(t *testing.T) {
	var calls atomic.Int32
	srv := hangingServer(t, &calls)
	cfg := testOptimizer()
	cfg.StrategyTimeout = 200 * time.Millisecond

	rng := rand.New(rand.NewSource(9))
	req := randomRequest(rng, 8, 2, 60)
	req.Method = "exact"

	start := time.Now()
	res, err := NewOrchestrator(cfg, WithExact(NewExact(srv.URL, 5*time.Second))).Optimize(context.Background(), req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assertFeasible(t, req, res)
	assert.Equal(t, model.MethodConstructive, res.Method)
	assert.Equal(t, "exact", res.Metrics["fallback_from"])
	assert.Positive(t, res.CustomersServed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRoadLookupBoundedWithoutTimeoutRetries(t *testing.T) {
	var calls atomic.Int32
	srv := hangingServer(t, &calls)
	start := time.Now()
	_, err := NewOSRM(srv.URL, 300*time.Millisecond, 0).Route(context.Background(), []model.Location{{Lat: 0, Lon: 0}, {Lat: 0.01, Lon: 0}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRoadBudgetSharedAcrossRoutes(t *testing.T) {
	var calls atomic.Int32
	srv := hangingServer(t, &calls)
	cfg := testOptimizer()
	cfg.RoutingTimeout = 200 * time.Millisecond
	o := NewOrchestrator(cfg, WithRoads(NewOSRM(srv.URL, time.Second, 0)))
	req := model.OptimizeRequest{
		Depot: model.Depot{Lat: 0, Lon: 0},
		Customers: []model.Customer{
			{ID: "a", Lat: 0.01, Lon: 0, Demand: 5, Priority: 1},
			{ID: "b", Lat: 0.02, Lon: 0, Demand: 5, Priority: 1},
			{ID: "c", Lat: 0.03, Lon: 0, Demand: 5, Priority: 1},
		},
		Vehicles:     []model.Vehicle{{ID: "v1", Capacity: 5}, {ID: "v2", Capacity: 5}, {ID: "v3", Capacity: 5}},
		UseRealRoads: true,
	}
	start := time.Now()
	res, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assertFeasible(t, req, res)
	require.Len(t, res.Routes, 3)
	for _, r := range res.Routes {
		assert.False(t, r.RoadGeometry)
		assert.InDelta(t, r.TotalDistanceKm*2, r.TotalTimeMinutes, 1e-9)
	}
}

func TestImproveOrder2OptUncrossesTour(t *testing.T) {
	depot := model.Location{Lat: 0, Lon: 0}
	cs := []model.Customer{
		{ID: "a", Lat: 0, Lon: 0.01},
		{ID: "b", Lat: 0.01, Lon: 0.01},
		{ID: "c", Lat: 0.01, Lon: 0},
	}
	crossed := []int{1, 0, 2}
	loc := func(i int) model.Location {
		if i < 0 {
			return depot
		}
		return model.Location{Lat: cs[i].Lat, Lon: cs[i].Lon}
	}
	before := pathDistance(loc, append(append([]int{-1}, crossed...), -1))
	got := ImproveOrder2Opt(depot, cs, crossed, 5)
	after := pathDistance(loc, append(append([]int{-1}, got...), -1))
	assert.Less(t, after, before)
	assert.ElementsMatch(t, crossed, got)
	assert.Equal(t, []int{1, 0, 2}, crossed, "input untouched")
}

func TestImproveKeepsFeasibility(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	req := randomRequest(rng, 30, 3, 80)
	req.Improve = true
	o := NewOrchestrator(testOptimizer())
	improved, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	assertFeasible(t, req, improved)
	req.Improve = false
	plain, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	assert.LessOrEqual(t, improved.TotalDistanceKm, plain.TotalDistanceKm+1e-9)
	assert.Equal(t, plain.CustomersServed, improved.CustomersServed)
}

func TestNormalizeMethod(t *testing.T) {
	for in, want := range map[string]string{
		"": "constructive", "greedy": "constructive", "RL": "learned",
		"ortools": "exact", " exact ": "exact", "learned": "learned",
	} {
		got, err := NormalizeMethod(in, "")
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	got, err := NormalizeMethod("", "learned")
	require.NoError(t, err)
	assert.Equal(t, "learned", got)
	_, err = NormalizeMethod("annealing", "")
	assert.Error(t, err)
}

// saveTinyPolicy writes an untrained policy with the given slot count.
func saveTinyPolicy(t *testing.T, dir, name string, slots int) {
	t.Helper()
	e := env.New(config.DefaultReward(), env.Options{Slots: slots})
	cfg := dqn.DefaultConfig(e.StateDim(), e.ActionDim())
	cfg.Hidden = []int{16}
	cfg.MemorySize = 100
	cfg.Seed = 1
	a, err := dqn.NewAgent(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Save(filepath.Join(dir, name+".json")))
}

// fakeSolver answers with the greedy plan encoded as matrix node routes.
func fakeSolver(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in exactRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&in)) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		routes := make([][]int, len(in.VehicleCapacities))
		used := make([]bool, len(in.Demands))
		for v, capacity := range in.VehicleCapacities {
			load := 0
			routes[v] = []int{0}
			for n := len(in.Demands) - 1; n >= 1; n-- {
				if !used[n] && load+in.Demands[n] <= capacity {
					used[n] = true
					load += in.Demands[n]
					routes[v] = append(routes[v], n)
				}
			}
			routes[v] = append(routes[v], 0)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "feasible", "routes": routes})
	}
}

type spyStrategy struct{ calls atomic.Int32 }

func (s *spyStrategy) Solve(context.Context, *model.OptimizeRequest) (Plan, error) {
	s.calls.Add(1)
	return Plan{}, nil
}

type failingStrategy struct{}

func (failingStrategy) Solve(context.Context, *model.OptimizeRequest) (Plan, error) {
	return Plan{}, errors.New("solver crashed")
}

type panicStrategy struct{}

func (panicStrategy) Solve(context.Context, *model.OptimizeRequest) (Plan, error) {
	panic("boom")
}

type stubLookup struct{ active model.ModelInfo }

func (s stubLookup) GetModel(_ context.Context, name string) (model.ModelInfo, error) {
	if name == s.active.Name {
		return s.active, nil
	}
	return model.ModelInfo{}, errors.New("not found")
}

func (s stubLookup) ActiveModel(context.Context) (model.ModelInfo, error) {
	return s.active, nil
}

func TestMethodsReportAvailability(t *testing.T) {
	byID := func(ms []model.MethodInfo) map[string]model.MethodInfo {
		out := map[string]model.MethodInfo{}
		for _, m := range ms {
			out[m.ID] = m
		}
		return out
	}
	bare := byID(NewOrchestrator(testOptimizer()).Methods())
	require.Len(t, bare, 3)
	assert.True(t, bare[model.MethodConstructive].Available)
	assert.True(t, bare[model.MethodConstructive].Default)
	assert.False(t, bare[model.MethodExact].Available)
	assert.False(t, bare[model.MethodLearned].Available)
	assert.Contains(t, bare[model.MethodLearned].Aliases, "rl")

	cfg := testOptimizer()
	cfg.DefaultMethod = "rl"
	full := byID(NewOrchestrator(cfg,
		WithExact(NewExact("http://solver", time.Second)),
		WithLearned(NewLearned(config.DefaultReward(), t.TempDir(), "m", 100, nil)),
	).Methods())
	assert.True(t, full[model.MethodExact].Available)
	assert.True(t, full[model.MethodLearned].Available)
	assert.True(t, full[model.MethodLearned].Default)
	assert.False(t, full[model.MethodConstructive].Default)
}
