package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRun_ServesWeatherTool(t *testing.T) {
	t.Setenv("MCPCHAT_AWS_SECRET_ID", "")

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("appid") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"cod":401,"message":"Invalid API key."}`))
			return
		}
		w.Write([]byte(`{"name":"Beijing","sys":{"country":"CN"},"main":{"temp":20,"humidity":30},"wind":{"speed":2},"weather":[{"description":"clear sky"}]}`))
	}))
	defer api.Close()

	env := map[string]string{
		"OPENWEATHER_API_KEY":  "k",
		"OPENWEATHER_BASE_URL": api.URL,
		"WEATHER_LOG_LEVEL":    "error",
	}
	getenv := func(k string) string { return env[k] }

	stdin := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"query_weather","arguments":{"city":"Beijing"}}}`,
	}, "\n") + "\n"

	var stdout bytes.Buffer
	if err := run(context.Background(), strings.NewReader(stdin), &stdout, io.Discard, getenv); err != nil {
		t.Fatalf("run: %v", err)
	}

	var responses []map[string]any
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("non-JSON line on stdout: %q", sc.Text())
		}
		responses = append(responses, m)
	}
	if len(responses) != 3 {
		t.Fatalf("got %d responses, want 3 (notification must not be answered)", len(responses))
	}

	info := responses[0]["result"].(map[string]any)["serverInfo"].(map[string]any)
	if info["name"] != "weather" {
		t.Errorf("serverInfo.name = %v, want weather", info["name"])
	}

	tools := responses[1]["result"].(map[string]any)["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "query_weather" {
		t.Errorf("tools = %v", tools)
	}

	result := responses[2]["result"].(map[string]any)
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(text, "Temperature: 20.0°C") {
		t.Errorf("tool text = %q", text)
	}
}

func TestRun_MissingKeyStillServes(t *testing.T) {
	t.Setenv("MCPCHAT_AWS_SECRET_ID", "")
	getenv := func(k string) string {
		if k == "WEATHER_LOG_LEVEL" {
			return "error"
		}
		return ""
	}
	stdin := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"query_weather","arguments":{"city":"Beijing"}}}` + "\n"

	var stdout bytes.Buffer
	if err := run(context.Background(), strings.NewReader(stdin), &stdout, io.Discard, getenv); err != nil {
		t.Fatalf("run: %v", err)
	}
	var resp struct {
		Result struct {
			IsError bool `json:"isError"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", stdout.String(), err)
	}
	if !resp.Result.IsError || len(resp.Result.Content) == 0 || !strings.Contains(resp.Result.Content[0].Text, "API key") {
		t.Errorf("result = %+v, want isError with API key message", resp.Result)
	}
}
