// Command weather-server is a stdio MCP server with a single tool,
// query_weather, backed by the OpenWeather current-weather API. It is
// the reference server for mcpchat:
//
//	mcpchat ./weather-server
//
// The API key is read from OPENWEATHER_API_KEY, which may also come
// from a .env file. Logs go to stderr; stdout carries the protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nugget/mcpchat/internal/buildinfo"
	"github.com/nugget/mcpchat/internal/config"
	"github.com/nugget/mcpchat/internal/mcp"
	"github.com/nugget/mcpchat/internal/weather"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Getenv)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "weather-server: %s\n", err)
		os.Exit(1)
	}
}

// run serves MCP on stdin/stdout until stdin closes or ctx is done.
// getenv is read after the .env file is loaded.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) error {
	level, err := config.ParseLogLevel(getenv("WEATHER_LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	logger := config.NewLogger(stderr, level, "text").With("component", "weather-server")

	if err := config.LoadEnv(ctx, "", false, logger); err != nil {
		return err
	}

	apiKey := getenv("OPENWEATHER_API_KEY")
	if apiKey == "" {
		// Still serve, so clients see a tool error instead of a dead server.
		logger.Warn("OPENWEATHER_API_KEY is not set, every query will fail")
	}

	client := weather.NewClient(weather.Config{
		APIKey:  apiKey,
		BaseURL: getenv("OPENWEATHER_BASE_URL"),
		Units:   getenv("OPENWEATHER_UNITS"),
		Lang:    getenv("OPENWEATHER_LANG"),
		Logger:  logger,
	})

	srv := mcp.NewServer("weather", buildinfo.Version, logger)
	weather.Register(srv, client)

	logger.Info("serving on stdio", "version", buildinfo.Version)
	err = srv.Serve(ctx, stdin, stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
