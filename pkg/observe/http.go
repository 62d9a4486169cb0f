package observe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPSource is a generic connector that can call any REST API endpoint and
// extract observation series using JSON path expressions.
//
// It supports:
//   - Configurable HTTP method (GET, POST, etc.)
//   - Template-based URL and body with variables: {{.Horizon}}, {{.WindowSeconds}},
//     {{.Start}}, {{.End}}, {{.StartRFC3339}}, {{.EndRFC3339}}
//   - Custom headers including authentication
//   - gjson path extraction for timestamps, forecasts, actuals, and feature values
//
// Example configuration for a forecast-jobs API:
//
//	src := &HTTPSource{
//	    ErrorsURL:    "http://jobs:8080/observations?horizon={{.Horizon}}&window={{.WindowSeconds}}",
//	    FeaturesURL:  "http://jobs:8080/features?horizon={{.Horizon}}&window={{.WindowSeconds}}",
//	    TimestampPath: "data.#.ts",
//	    ForecastPath:  "data.#.forecast",
//	    ActualPath:    "data.#.actual",
//	    ValuePath:     "data.#.value",
//	}
type HTTPSource struct {
	// ErrorsURL is the endpoint template for error observations (required for Errors).
	ErrorsURL string

	// FeaturesURL is the endpoint template for feature samples (required for Features).
	FeaturesURL string

	// Method is the HTTP method. Defaults to GET if empty.
	Method string

	// Headers are custom HTTP headers. Values can use template variables.
	Headers map[string]string

	// Body is the request body template (for POST).
	Body string

	// TimestampPath is the gjson path to timestamps (RFC3339 strings or Unix seconds).
	TimestampPath string

	// ForecastPath and ActualPath are gjson paths for the error-observation response.
	ForecastPath string
	ActualPath   string

	// ValuePath is the gjson path for the feature-sample response.
	ValuePath string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

func (h *HTTPSource) Name() string { return "http" }

// Errors implements Source.
func (h *HTTPSource) Errors(ctx context.Context, horizon string, window time.Duration) ([]Observation, error) {
	if h.ErrorsURL == "" {
		return nil, errors.New("http source: ErrorsURL is required")
	}
	if h.TimestampPath == "" || h.ForecastPath == "" || h.ActualPath == "" {
		return nil, errors.New("http source: TimestampPath, ForecastPath and ActualPath are required")
	}

	body, err := h.fetch(ctx, h.ErrorsURL, horizon, window)
	if err != nil {
		return nil, err
	}

	ts := gjson.GetBytes(body, h.TimestampPath)
	fc := gjson.GetBytes(body, h.ForecastPath)
	ac := gjson.GetBytes(body, h.ActualPath)

	if !ts.Exists() || !fc.Exists() || !ac.Exists() {
		return nil, fmt.Errorf("observation paths not found in response (%q, %q, %q)",
			h.TimestampPath, h.ForecastPath, h.ActualPath)
	}

	tsArr, fcArr, acArr := ts.Array(), fc.Array(), ac.Array()
	if len(tsArr) != len(fcArr) || len(tsArr) != len(acArr) {
		return nil, fmt.Errorf("observation arrays disagree: %d timestamps, %d forecasts, %d actuals",
			len(tsArr), len(fcArr), len(acArr))
	}

	obs := make([]Observation, 0, len(tsArr))
	for i := range tsArr {
		t, err := parseTimestamp(tsArr[i])
		if err != nil {
			return nil, fmt.Errorf("parse timestamp[%d]: %w", i, err)
		}
		obs = append(obs, Observation{
			Ts:       t,
			Forecast: fcArr[i].Float(),
			Actual:   acArr[i].Float(),
		})
	}

	sort.Slice(obs, func(i, j int) bool { return obs[i].Ts.Before(obs[j].Ts) })
	return obs, nil
}

// Features implements Source.
func (h *HTTPSource) Features(ctx context.Context, horizon string, window time.Duration) ([]FeatureSample, error) {
	if h.FeaturesURL == "" {
		return nil, errors.New("http source: FeaturesURL is required")
	}
	if h.TimestampPath == "" || h.ValuePath == "" {
		return nil, errors.New("http source: TimestampPath and ValuePath are required")
	}

	body, err := h.fetch(ctx, h.FeaturesURL, horizon, window)
	if err != nil {
		return nil, err
	}

	ts := gjson.GetBytes(body, h.TimestampPath)
	vals := gjson.GetBytes(body, h.ValuePath)

	if !ts.Exists() || !vals.Exists() {
		return nil, fmt.Errorf("feature paths not found in response (%q, %q)", h.TimestampPath, h.ValuePath)
	}

	tsArr, valArr := ts.Array(), vals.Array()
	if len(tsArr) != len(valArr) {
		return nil, fmt.Errorf("feature arrays disagree: %d timestamps, %d values", len(tsArr), len(valArr))
	}

	samples := make([]FeatureSample, 0, len(tsArr))
	for i := range tsArr {
		t, err := parseTimestamp(tsArr[i])
		if err != nil {
			return nil, fmt.Errorf("parse timestamp[%d]: %w", i, err)
		}
		samples = append(samples, FeatureSample{Ts: t, Value: valArr[i].Float()})
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Ts.Before(samples[j].Ts) })
	return samples, nil
}

// fetch renders the URL/body templates, performs the request, and returns the
// response body.
func (h *HTTPSource) fetch(ctx context.Context, urlTmpl, horizon string, window time.Duration) ([]byte, error) {
	now := time.Now().UTC().Truncate(time.Second)
	start := now.Add(-window)

	data := map[string]any{
		"Horizon":       horizon,
		"WindowSeconds": int(window.Seconds()),
		"Start":         start.Unix(),
		"End":           now.Unix(),
		"StartRFC3339":  start.Format(time.RFC3339),
		"EndRFC3339":    now.Format(time.RFC3339),
	}

	url, err := renderTemplate(urlTmpl, data)
	if err != nil {
		return nil, fmt.Errorf("render url template: %w", err)
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if h.Body != "" {
		rendered, err := renderTemplate(h.Body, data)
		if err != nil {
			return nil, fmt.Errorf("render body template: %w", err)
		}
		bodyReader = bytes.NewBufferString(rendered)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, data)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(snippet))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}

// parseTimestamp accepts RFC3339 strings or numeric Unix seconds.
func parseTimestamp(v gjson.Result) (time.Time, error) {
	if v.Type == gjson.String {
		return time.Parse(time.RFC3339, v.String())
	}
	return time.Unix(int64(v.Float()), 0).UTC(), nil
}

// renderTemplate renders a text template with the given data.
func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
