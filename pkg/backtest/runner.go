// Package backtest calls the model-serving component's backtest entry point
// and scores the resulting forecast trace.
//
// The backtest endpoint accepts a (configuration, historical window) pair and
// replays the model over the window with known outcomes. The optimizer and the
// validator use the exact same entry point, so their metric bundles are
// directly comparable.
package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/recal/pkg/observe"
	"github.com/HatiCode/recal/pkg/params"
)

// TracePoint is one replayed forecast with its realized value and the declared
// high-confidence interval bounds.
type TracePoint struct {
	Ts       time.Time `json:"ts"`
	Forecast float64   `json:"forecast"`
	Actual   float64   `json:"actual"`
	Lo       float64   `json:"lo"`
	Hi       float64   `json:"hi"`
}

// Trace is the result of one backtest run.
type Trace struct {
	Points []TracePoint `json:"points"`

	// LatencyMS is the model's reported (or measured) inference latency.
	LatencyMS float64 `json:"latencyMs"`
}

// Runner is the backtest entry point abstraction.
type Runner interface {
	// Run replays params over the historical window and returns the trace.
	Run(ctx context.Context, horizon string, p params.ParameterSet, window []observe.Observation) (Trace, error)
}

// HTTPRunner calls a model-serving backtest endpoint over HTTP.
//
// The request is a JSON document {"horizon":..., "params":..., "window":[...]}
// POSTed to URL. Response fields are extracted with gjson paths so the runner
// works against any JSON response shape.
type HTTPRunner struct {
	// URL is the backtest endpoint (required).
	URL string

	// Headers are custom HTTP headers (auth tokens etc.).
	Headers map[string]string

	// Paths into the response document. Defaults cover the canonical
	// {"points":[{"ts","forecast","actual","lo","hi"}],"latencyMs":...} shape.
	TimestampPath string
	ForecastPath  string
	ActualPath    string
	LoPath        string
	HiPath        string
	LatencyPath   string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

type backtestRequest struct {
	Horizon string                `json:"horizon"`
	Params  params.ParameterSet   `json:"params"`
	Window  []observe.Observation `json:"window"`
}

// Run implements Runner.
func (r *HTTPRunner) Run(ctx context.Context, horizon string, p params.ParameterSet, window []observe.Observation) (Trace, error) {
	if r.URL == "" {
		return Trace{}, errors.New("backtest runner: URL is required")
	}
	if len(window) == 0 {
		return Trace{}, errors.New("backtest runner: window cannot be empty")
	}

	payload, err := json.Marshal(backtestRequest{Horizon: horizon, Params: p, Window: window})
	if err != nil {
		return Trace{}, fmt.Errorf("marshal backtest request: %w", err)
	}

	cli := r.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 60 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(payload))
	if err != nil {
		return Trace{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := cli.Do(req)
	if err != nil {
		return Trace{}, fmt.Errorf("backtest request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Trace{}, fmt.Errorf("backtest status %d: %s", resp.StatusCode, string(snippet))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Trace{}, fmt.Errorf("read backtest response: %w", err)
	}

	trace, err := r.parseTrace(body)
	if err != nil {
		return Trace{}, err
	}

	// Fall back to wall-clock latency when the model doesn't report one.
	if trace.LatencyMS == 0 {
		trace.LatencyMS = float64(time.Since(start).Milliseconds())
	}
	return trace, nil
}

func (r *HTTPRunner) parseTrace(body []byte) (Trace, error) {
	tsPath := defaultPath(r.TimestampPath, "points.#.ts")
	fcPath := defaultPath(r.ForecastPath, "points.#.forecast")
	acPath := defaultPath(r.ActualPath, "points.#.actual")
	loPath := defaultPath(r.LoPath, "points.#.lo")
	hiPath := defaultPath(r.HiPath, "points.#.hi")
	latPath := defaultPath(r.LatencyPath, "latencyMs")

	ts := gjson.GetBytes(body, tsPath)
	fc := gjson.GetBytes(body, fcPath)
	ac := gjson.GetBytes(body, acPath)
	lo := gjson.GetBytes(body, loPath)
	hi := gjson.GetBytes(body, hiPath)

	if !ts.Exists() || !fc.Exists() || !ac.Exists() {
		return Trace{}, fmt.Errorf("trace paths not found in backtest response (%q, %q, %q)", tsPath, fcPath, acPath)
	}

	tsArr, fcArr, acArr := ts.Array(), fc.Array(), ac.Array()
	loArr, hiArr := lo.Array(), hi.Array()

	if len(tsArr) != len(fcArr) || len(tsArr) != len(acArr) {
		return Trace{}, fmt.Errorf("trace arrays disagree: %d timestamps, %d forecasts, %d actuals",
			len(tsArr), len(fcArr), len(acArr))
	}

	hasInterval := len(loArr) == len(tsArr) && len(hiArr) == len(tsArr)

	points := make([]TracePoint, 0, len(tsArr))
	for i := range tsArr {
		var t time.Time
		if tsArr[i].Type == gjson.String {
			parsed, err := time.Parse(time.RFC3339, tsArr[i].String())
			if err != nil {
				return Trace{}, fmt.Errorf("parse trace timestamp[%d]: %w", i, err)
			}
			t = parsed
		} else {
			t = time.Unix(int64(tsArr[i].Float()), 0).UTC()
		}

		p := TracePoint{Ts: t, Forecast: fcArr[i].Float(), Actual: acArr[i].Float()}
		if hasInterval {
			p.Lo = loArr[i].Float()
			p.Hi = hiArr[i].Float()
		}
		points = append(points, p)
	}

	return Trace{
		Points:    points,
		LatencyMS: gjson.GetBytes(body, latPath).Float(),
	}, nil
}

func defaultPath(p, def string) string {
	if p == "" {
		return def
	}
	return p
}
