package observe

import (
	"encoding/json"
	"fmt"
)

// New creates a source based on kind and a generic configuration map.
// This is the central extension point for adding new source types.
//
// Supported kinds:
//   - "http": generic HTTP source
//   - "static": fixture-backed source (tests, dry runs)
//
// Returns error if kind is unknown or required fields are missing.
func New(kind string, config map[string]string) (Source, error) {
	switch kind {
	case "http":
		return newHTTP(config)
	case "static":
		return NewStaticSource(), nil
	default:
		return nil, fmt.Errorf("unknown source kind: %s (must be http or static)", kind)
	}
}

func newHTTP(config map[string]string) (Source, error) {
	errorsURL := config["errorsUrl"]
	featuresURL := config["featuresUrl"]
	if errorsURL == "" && featuresURL == "" {
		return nil, fmt.Errorf("http source requires 'errorsUrl' or 'featuresUrl' config")
	}

	tsPath := config["timestampPath"]
	if tsPath == "" {
		return nil, fmt.Errorf("http source requires 'timestampPath' config")
	}

	var headers map[string]string
	if headersJSON := config["headers"]; headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}

	return &HTTPSource{
		ErrorsURL:     errorsURL,
		FeaturesURL:   featuresURL,
		Method:        config["method"],
		Headers:       headers,
		Body:          config["body"],
		TimestampPath: tsPath,
		ForecastPath:  config["forecastPath"],
		ActualPath:    config["actualPath"],
		ValuePath:     config["valuePath"],
	}, nil
}
