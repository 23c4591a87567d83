// Package weather looks up current conditions from the OpenWeather API
// and exposes them as the query_weather MCP tool.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/mcpchat/internal/httpkit"
	"github.com/nugget/mcpchat/internal/mcp"
)

// DefaultBaseURL is the OpenWeather current-weather endpoint.
const DefaultBaseURL = "https://api.openweathermap.org/data/2.5/weather"

// ToolName is the name the tool is registered under.
const ToolName = "query_weather"

// UserAgent identifies weather lookups to OpenWeather.
const UserAgent = "weather-app/1.0"

// Config configures a [Client].
type Config struct {
	APIKey  string
	BaseURL string

	// Units is "metric" (default), "imperial" or "standard".
	Units string

	// Lang selects the language of the condition description (default "en").
	Lang string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client fetches current weather.
type Client struct {
	apiKey     string
	baseURL    string
	units      string
	lang       string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a weather client.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		units:      cfg.Units,
		lang:       cfg.Lang,
		httpClient: cfg.HTTPClient,
		logger:     logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.units == "" {
		c.units = "metric"
	}
	if c.lang == "" {
		c.lang = "en"
	}
	if c.httpClient == nil {
		c.httpClient = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithUserAgent(UserAgent),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
	}
	return c
}

// Conditions is the subset of a current-weather report we present.
type Conditions struct {
	City        string
	Country     string
	Temperature float64
	Humidity    int
	WindSpeed   float64
	Description string
	Units       string
}

type apiResponse struct {
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
	} `json:"sys"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
}

type apiError struct {
	Cod     any    `json:"cod"`
	Message string `json:"message"`
}

// Current returns the current conditions in city. City names are
// expected in English (e.g. "Beijing").
func (c *Client) Current(ctx context.Context, city string) (*Conditions, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return nil, fmt.Errorf("city is required")
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("no OpenWeather API key configured")
	}

	q := url.Values{}
	q.Set("q", city)
	q.Set("appid", c.apiKey)
	q.Set("units", c.units)
	q.Set("lang", c.lang)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.logger.Debug("fetching weather", "city", city)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		var ae apiError
		if json.Unmarshal([]byte(body), &ae) == nil && ae.Message != "" {
			body = ae.Message
		}
		return nil, fmt.Errorf("OpenWeather HTTP %d: %s", resp.StatusCode, body)
	}

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &Conditions{
		City:        ar.Name,
		Country:     ar.Sys.Country,
		Temperature: ar.Main.Temp,
		Humidity:    ar.Main.Humidity,
		WindSpeed:   ar.Wind.Speed,
		Units:       c.units,
	}
	if len(ar.Weather) > 0 {
		out.Description = ar.Weather[0].Description
	}
	if out.City == "" {
		out.City = city
	}
	return out, nil
}

// Format renders conditions as a few labelled lines.
func Format(w *Conditions) string {
	tempUnit, windUnit := "°C", "m/s"
	switch w.Units {
	case "imperial":
		tempUnit, windUnit = "°F", "mph"
	case "standard":
		tempUnit = "K"
	}

	place := w.City
	if w.Country != "" {
		place += ", " + w.Country
	}
	desc := w.Description
	if desc == "" {
		desc = "unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "City: %s\n", place)
	fmt.Fprintf(&b, "Temperature: %.1f%s\n", w.Temperature, tempUnit)
	fmt.Fprintf(&b, "Humidity: %d%%\n", w.Humidity)
	fmt.Fprintf(&b, "Wind: %.1f %s\n", w.WindSpeed, windUnit)
	fmt.Fprintf(&b, "Conditions: %s\n", desc)
	return b.String()
}

// Register adds the query_weather tool to srv.
func Register(srv *mcp.Server, c *Client) {
	srv.AddTool(mcp.ToolDefinition{
		Name:        ToolName,
		Description: "Get today's weather for a city. The city name must be in English, e.g. Beijing.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{
					"type":        "string",
					"description": "City name in English, e.g. Beijing",
				},
			},
			"required": []any{"city"},
		},
	}, c.handle)
}

func (c *Client) handle(ctx context.Context, args map[string]any) (string, error) {
	city, _ := args["city"].(string)
	w, err := c.Current(ctx, city)
	if err != nil {
		c.logger.Warn("weather lookup failed", "city", city, "error", err)
		return "", err
	}
	return Format(w), nil
}
