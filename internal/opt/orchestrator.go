package opt

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vrpopt/internal/config"
	"vrpopt/internal/metrics"
	"vrpopt/internal/model"
	"vrpopt/internal/vrp"
)

// Orchestrator validates requests, runs the selected strategy, falls back to
// the constructive heuristic when a strategy is unavailable and builds the
// canonical result. It holds no per-request state.
type Orchestrator struct {
	cfg     config.Optimizer
	greedy  Strategy
	exact   Strategy
	learned Strategy
	roads   RoadRouter
	timeout time.Duration
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithExact(s Strategy) Option        { return func(o *Orchestrator) { o.exact = s } }
func WithLearned(s Strategy) Option      { return func(o *Orchestrator) { o.learned = s } }
func WithRoads(r RoadRouter) Option      { return func(o *Orchestrator) { o.roads = r } }

// NewOrchestrator builds an orchestrator. cfg.StrategyTimeout bounds the
// selected strategy only; the constructive fallback and road lookups run
// outside it.
func NewOrchestrator(cfg config.Optimizer, opts ...Option) *Orchestrator {
	if cfg.MinutesPerKm <= 0 {
		cfg.MinutesPerKm = 2
	}
	o := &Orchestrator{cfg: cfg, greedy: Greedy{}, timeout: cfg.StrategyTimeout}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Optimize runs one request. The error is non-nil only for a
// *ValidationError; strategy failures come back as Success=false.
func (o *Orchestrator) Optimize(ctx context.Context, req model.OptimizeRequest) (model.Result, error) {
	start := time.Now()
	method, err := NormalizeMethod(req.Method, o.cfg.DefaultMethod)
	if err != nil {
		return model.Result{}, &ValidationError{Problems: []string{err.Error()}}
	}
	if err := Validate(&req); err != nil {
		return model.Result{}, err
	}
	res := model.Result{
		ID:       uuid.NewString(),
		Method:   method,
		Routes:   []model.Route{},
		Unserved: []string{},
		Metrics:  map[string]any{},
	}
	if len(req.Customers) == 0 {
		res.Success = true
		res.OptimizationTimeMs = time.Since(start).Milliseconds()
		metrics.Optimizations.WithLabelValues(method, "empty").Inc()
		return res, nil
	}
	lg := log.WithFields(log.Fields{"id": res.ID, "method": method, "customers": len(req.Customers), "vehicles": len(req.Vehicles)})
	plan, err := o.runBounded(ctx, o.strategy(method), &req)
	if err != nil && method != model.MethodConstructive && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrStrategyTimeout, err)
	}
	if err != nil && errors.Is(err, ErrStrategyUnavailable) {
		lg.WithError(err).Info("strategy unavailable, using constructive heuristic")
		metrics.Fallbacks.WithLabelValues(method, fallbackReason(err)).Inc()
		res.Method = model.MethodConstructive
		plan, err = o.run(ctx, o.greedy, &req)
		if err == nil {
			plan.Metrics["fallback_from"] = method
		}
	}
	if err == nil {
		err = checkPlan(&req, plan)
	}
	if err != nil {
		lg.WithError(err).Error("optimization failed")
		res.Error = err.Error()
		res.OptimizationTimeMs = time.Since(start).Milliseconds()
		metrics.Optimizations.WithLabelValues(res.Method, "failed").Inc()
		return res, nil
	}

	if req.Improve {
		depot := model.Location{Lat: req.Depot.Lat, Lon: req.Depot.Lon}
		for v := range plan.Orders {
			plan.Orders[v] = ImproveOrder2Opt(depot, req.Customers, plan.Orders[v], 10)
		}
		plan.Metrics["improved"] = true
	}

	roads := o.roads != nil && (req.UseRealRoads || o.cfg.RoadGeometry)
	roadCtx := ctx
	if roads && o.cfg.RoutingTimeout > 0 {
		// one budget for every route of the request
		var cancel context.CancelFunc
		roadCtx, cancel = context.WithTimeout(ctx, o.cfg.RoutingTimeout)
		defer cancel()
	}
	served := make([]bool, len(req.Customers))
	for v, order := range plan.Orders {
		if len(order) == 0 {
			continue
		}
		r := o.buildRoute(&req, v, order)
		if roads {
			o.applyRoads(roadCtx, lg, &r)
		}
		for _, c := range order {
			served[c] = true
		}
		res.Routes = append(res.Routes, r)
		res.TotalDistanceKm += r.TotalDistanceKm
		res.TotalTimeMinutes += r.TotalTimeMinutes
		res.CustomersServed += len(order)
	}
	for i, ok := range served {
		if !ok {
			res.Unserved = append(res.Unserved, req.Customers[i].ID)
		}
	}
	res.CustomersUnserved = len(res.Unserved)
	res.Success = true
	res.Metrics = plan.Metrics
	res.OptimizationTimeMs = time.Since(start).Milliseconds()

	metrics.Optimizations.WithLabelValues(res.Method, "ok").Inc()
	metrics.OptimizationDuration.WithLabelValues(res.Method).Observe(time.Since(start).Seconds())
	lg.WithFields(log.Fields{
		"result_method": res.Method,
		"served":        res.CustomersServed,
		"unserved":      res.CustomersUnserved,
		"km":            res.TotalDistanceKm,
		"ms":            res.OptimizationTimeMs,
	}).Info("optimization complete")
	return res, nil
}

// Methods lists the selectable strategies. A method without a configured
// strategy is reported unavailable; requesting it falls back.
func (o *Orchestrator) Methods() []model.MethodInfo {
	def, err := NormalizeMethod("", o.cfg.DefaultMethod)
	if err != nil {
		def = model.MethodConstructive
	}
	out := make([]model.MethodInfo, len(methodCatalog))
	for i, m := range methodCatalog {
		m.Aliases = slices.Clone(m.Aliases)
		m.Available = o.strategy(m.ID) != nil
		m.Default = m.ID == def
		out[i] = m
	}
	return out
}

func (o *Orchestrator) strategy(method string) Strategy {
	switch method {
	case model.MethodExact:
		return o.exact
	case model.MethodLearned:
		return o.learned
	}
	return o.greedy
}

// runBounded runs s under the strategy deadline, if one is configured.
func (o *Orchestrator) runBounded(ctx context.Context, s Strategy, req *model.OptimizeRequest) (Plan, error) {
	if o.timeout <= 0 {
		return o.run(ctx, s, req)
	}
	sctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.run(sctx, s, req)
}

// run calls s, converting a missing strategy into ErrStrategyUnavailable and
// a panic into an error.
func (o *Orchestrator) run(ctx context.Context, s Strategy, req *model.OptimizeRequest) (p Plan, err error) {
	if s == nil {
		return Plan{}, ErrStrategyUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Error("strategy panic")
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	p, err = s.Solve(ctx, req)
	if err == nil && p.Metrics == nil {
		p.Metrics = map[string]any{}
	}
	return p, err
}

// buildRoute lays out depot → stops → depot with haversine legs.
func (o *Orchestrator) buildRoute(req *model.OptimizeRequest, v int, order []int) model.Route {
	depot := model.Location{Lat: req.Depot.Lat, Lon: req.Depot.Lon}
	r := model.Route{
		VehicleID: req.Vehicles[v].ID,
		Stops:     make([]model.Stop, 0, len(order)),
		Polyline:  make([]model.Location, 0, len(order)+2),
	}
	r.Polyline = append(r.Polyline, depot)
	prev := depot
	cum := 0.0
	for seq, ci := range order {
		c := req.Customers[ci]
		here := model.Location{Lat: c.Lat, Lon: c.Lon}
		leg := vrp.HaversineKm(prev.Lat, prev.Lon, here.Lat, here.Lon)
		cum += leg
		r.Stops = append(r.Stops, model.Stop{
			CustomerID:           c.ID,
			Location:             here,
			Demand:               c.Demand,
			Sequence:             seq,
			LegDistanceKm:        leg,
			CumulativeDistanceKm: cum,
		})
		r.TotalDemand += c.Demand
		r.Polyline = append(r.Polyline, here)
		prev = here
	}
	cum += vrp.HaversineKm(prev.Lat, prev.Lon, depot.Lat, depot.Lon)
	r.Polyline = append(r.Polyline, depot)
	r.TotalDistanceKm = cum
	r.TotalTimeMinutes = cum * o.cfg.MinutesPerKm
	return r
}

// applyRoads swaps the straight polyline and estimate for road figures. On
// failure the route is left unchanged.
func (o *Orchestrator) applyRoads(ctx context.Context, lg *log.Entry, r *model.Route) {
	rr, err := o.roads.Route(ctx, r.Polyline)
	if err != nil || len(rr.Polyline) == 0 {
		if err == nil {
			err = errors.New("empty geometry")
		}
		lg.WithError(err).WithField("vehicle", r.VehicleID).Warn("road geometry unavailable, keeping straight-line estimate")
		metrics.RoadLookups.WithLabelValues("failed").Inc()
		return
	}
	metrics.RoadLookups.WithLabelValues("ok").Inc()
	r.Polyline = rr.Polyline
	r.TotalDistanceKm = rr.DistanceKm
	r.TotalTimeMinutes = rr.DurationMinutes
	r.RoadGeometry = true
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrSolverUnavailable):
		return "solver_unavailable"
	case errors.Is(err, ErrNoSolution):
		return "no_solution"
	case errors.Is(err, ErrModelTooSmall):
		return "model_too_small"
	case errors.Is(err, ErrNoModel):
		return "no_model"
	case errors.Is(err, ErrStrategyTimeout):
		return "timeout"
	}
	return "unavailable"
}
