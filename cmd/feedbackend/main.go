package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/ericvolp12/feedsync/pkg/backend"
	"github.com/ericvolp12/feedsync/pkg/realtime"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env: %v", err)
	}

	app := cli.App{
		Name:    "feedbackend",
		Usage:   "development backend serving paged queries and realtime changes",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"FEEDBACKEND_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "listen address for http server",
			EnvVars: []string{"FEEDBACKEND_LISTEN_ADDR"},
			Value:   ":3000",
		},
		&cli.StringFlag{
			Name:    "dsn",
			Usage:   "sqlite path or postgres DSN of the record store",
			EnvVars: []string{"FEEDBACKEND_DSN"},
			Value:   "./data/feedbackend.db",
		},
		&cli.StringSliceFlag{
			Name:    "tables",
			Usage:   "tables to serve, each gets a page_{table} query function",
			EnvVars: []string{"FEEDBACKEND_TABLES"},
			Value:   cli.NewStringSlice("gigs"),
		},
		&cli.DurationFlag{
			Name:    "record-ttl",
			Usage:   "time to live for records in the DB (0 keeps everything)",
			EnvVars: []string{"FEEDBACKEND_RECORD_TTL"},
			Value:   0,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "when set, changes are also published to redis pub/sub",
			EnvVars: []string{"FEEDBACKEND_REDIS_URL"},
		},
	}

	app.Action = FeedBackend

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}

}

func FeedBackend(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: true,
	})))

	logger := slog.Default()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "feedbackend", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "err", err)
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown export pipeline", "err", err)
			}
		}()
	}

	// Make sure the sqlite directory exists
	dsn := cctx.String("dsn")
	if !strings.Contains(dsn, "://") && !strings.Contains(dsn, "=") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				logger.Error("failed to create data directory", "err", err)
				return err
			}
		}
	}

	store, err := backend.NewStore(logger, dsn)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		return err
	}
	defer store.Close()

	b, err := backend.NewBackend(logger, store, backend.NewHub(logger), cctx.StringSlice("tables"), cctx.Duration("record-ttl"))
	if err != nil {
		logger.Error("failed to create backend", "err", err)
		return err
	}

	if redisURL := cctx.String("redis-url"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		b.AddPublisher("redis", realtime.NewRedisPublisher(client))
	}

	go func() {
		err := b.Run(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("failed to run backend", "err", err)
		}
	}()

	// Create a new echo instance
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))

	// Add Prometheus middleware
	echoProm := echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "feedbackend",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	})
	e.Use(echoProm)
	e.Use(middleware.Recover())

	// Add Prometheus metrics handler
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	b.Register(e)
	echopprof.Wrap(e)

	// Start the HTTP server
	go func() {
		err := e.Start(cctx.String("listen-addr"))
		if err != nil {
			logger.Error("failed to start http server", "err", err)
		}
	}()

	// Wait for SIGINT or SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// Shutdown the HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
	defer shutdownCancel()
	err = e.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("failed to shutdown http server", "err", err)
	}

	// Shutdown the backend
	err = b.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("failed to shutdown backend", "err", err)
	}

	return nil
}
