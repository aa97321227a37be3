package opt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vrpopt/internal/model"
)

// RoadRoute is a driving route through a sequence of points.
type RoadRoute struct {
	Polyline        []model.Location
	DistanceKm      float64
	DurationMinutes float64
}

// RoadRouter looks up real-road geometry.
type RoadRouter interface {
	Route(ctx context.Context, points []model.Location) (RoadRoute, error)
}

// OSRM queries an OSRM-compatible route service. It is safe for concurrent
// use; requests share one rate limiter.
type OSRM struct {
	baseURL string
	session *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// NewOSRM returns a client for baseURL. timeout bounds a whole Route call,
// retries included. rps <= 0 disables throttling.
func NewOSRM(baseURL string, timeout time.Duration, rps float64) *OSRM {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &OSRM{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: &http.Client{},
		limiter: lim,
		timeout: timeout,
	}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

func (o *OSRM) Route(ctx context.Context, points []model.Location) (RoadRoute, error) {
	if len(points) < 2 {
		return RoadRoute{Polyline: points}, nil
	}
	coords := make([]string, len(points))
	for i, p := range points {
		coords[i] = strconv.FormatFloat(p.Lon, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64)
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	endpoint := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson&steps=false", o.baseURL, strings.Join(coords, ";"))

	resp, err := o.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return RoadRoute{}, fmt.Errorf("osrm route: %w", err)
	}
	defer resp.Body.Close()

	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RoadRoute{}, fmt.Errorf("decode osrm response: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return RoadRoute{}, fmt.Errorf("osrm: code %q: %s", out.Code, out.Message)
	}
	r := out.Routes[0]
	line := make([]model.Location, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		line = append(line, model.Location{Lat: c[1], Lon: c[0]})
	}
	return RoadRoute{Polyline: line, DistanceKm: r.Distance / 1000, DurationMinutes: r.Duration / 60}, nil
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func (o *OSRM) do(req *http.Request) (*http.Response, error) {
	resp, err := o.session.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry retries network errors and 429/5xx responses with exponential
// backoff. Timeouts are not retried. Every attempt waits on the shared
// limiter.
func (o *OSRM) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	const maxAttempts = 3
	backoff := 200 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := makeReq()
		if err != nil {
			return nil, err
		}
		resp, err := o.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			switch he.Code {
			case 429, 500, 502, 503, 504:
				retry = true
			}
		}
		var netErr net.Error
		if !retry && errors.As(err, &netErr) && !netErr.Timeout() && ctx.Err() == nil {
			retry = true
		}
		if !retry || attempt == maxAttempts {
			return nil, lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}
