package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/ericvolp12/feedsync/pkg/api"
	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/ericvolp12/feedsync/pkg/fetch"
	"github.com/ericvolp12/feedsync/pkg/geo"
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
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env: %v", err)
	}

	app := cli.App{
		Name:    "feedsync",
		Usage:   "live paginated feed kept in sync with a realtime channel",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "source",
			Usage:   "where pages are read from (rpc or mongo)",
			Value:   "rpc",
			EnvVars: []string{"FEEDSYNC_SOURCE"},
		},
		&cli.StringFlag{
			Name:    "rpc-url",
			Usage:   "base URL of the store's REST API, the query function is called at {rpc-url}/rpc/{function}",
			Value:   "http://localhost:3000/rest/v1",
			EnvVars: []string{"FEEDSYNC_RPC_URL"},
		},
		&cli.StringFlag{
			Name:    "function",
			Usage:   "name of the paged query function",
			Value:   "page_gigs",
			EnvVars: []string{"FEEDSYNC_FUNCTION"},
		},
		&cli.StringFlag{
			Name:    "api-key",
			Usage:   "API key sent to the store on every request",
			EnvVars: []string{"FEEDSYNC_API_KEY"},
		},
		&cli.Float64Flag{
			Name:    "rpc-rate-limit",
			Usage:   "rate limit for page requests in requests per second (0 disables)",
			Value:   10,
			EnvVars: []string{"FEEDSYNC_RPC_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "realtime",
			Usage:   "realtime transport (websocket, redis or mongo)",
			Value:   "websocket",
			EnvVars: []string{"FEEDSYNC_REALTIME"},
		},
		&cli.StringFlag{
			Name:    "realtime-url",
			Usage:   "full websocket URL of the realtime endpoint",
			Value:   "ws://localhost:3000/realtime",
			EnvVars: []string{"FEEDSYNC_REALTIME_URL"},
		},
		&cli.StringFlag{
			Name:    "table",
			Usage:   "table whose changes feed the realtime channel",
			Value:   "gigs",
			EnvVars: []string{"FEEDSYNC_TABLE"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis URL for the redis realtime transport and location store",
			Value:   "redis://localhost:6379/0",
			EnvVars: []string{"FEEDSYNC_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "mongo-uri",
			Usage:   "mongo connection string for the mongo source and realtime transport",
			Value:   "mongodb://localhost:27017",
			EnvVars: []string{"FEEDSYNC_MONGO_URI"},
		},
		&cli.StringFlag{
			Name:    "mongo-db",
			Usage:   "mongo database name",
			Value:   "feedsync",
			EnvVars: []string{"FEEDSYNC_MONGO_DB"},
		},
		&cli.StringFlag{
			Name:    "category",
			Usage:   "only show records of this category",
			EnvVars: []string{"FEEDSYNC_CATEGORY"},
		},
		&cli.StringFlag{
			Name:    "status",
			Usage:   "only show records with this status",
			EnvVars: []string{"FEEDSYNC_STATUS"},
		},
		&cli.IntFlag{
			Name:    "page-size",
			Usage:   "records per page",
			Value:   20,
			EnvVars: []string{"FEEDSYNC_PAGE_SIZE"},
		},
		&cli.StringFlag{
			Name:    "location-store",
			Usage:   "where the reference location is kept (sqlite, redis or memory)",
			Value:   "sqlite",
			EnvVars: []string{"FEEDSYNC_LOCATION_STORE"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database holding the reference location",
			Value:   "./data/feedsync.db",
			EnvVars: []string{"FEEDSYNC_SQLITE_PATH"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"FEEDSYNC_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"FEEDSYNC_DEBUG"},
		},
	}

	app.Action = FeedSync

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// FeedSync is the main function for the feed client
func FeedSync(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "feedsync", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	var redisClient *redis.Client
	if cctx.String("realtime") == "redis" || cctx.String("location-store") == "redis" {
		opts, err := redis.ParseURL(cctx.String("redis-url"))
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	var mongoDB *mongo.Database
	if cctx.String("source") == "mongo" || cctx.String("realtime") == "mongo" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cctx.String("mongo-uri")))
		if err != nil {
			logger.Error("failed to connect to mongo", "error", err)
			return err
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Error("failed to disconnect from mongo", "error", err)
			}
		}()
		mongoDB = client.Database(cctx.String("mongo-db"))
	}

	var fetcher feed.PageFetcher
	switch cctx.String("source") {
	case "rpc":
		rpc, err := fetch.NewRPCFetcher(logger, fetch.RPCConfig{
			BaseURL:           cctx.String("rpc-url"),
			Function:          cctx.String("function"),
			APIKey:            cctx.String("api-key"),
			RequestsPerSecond: cctx.Float64("rpc-rate-limit"),
			Burst:             1,
		})
		if err != nil {
			logger.Error("failed to create rpc fetcher", "error", err)
			return err
		}
		fetcher = rpc
	case "mongo":
		fetcher = fetch.NewMongoFetcher(logger, mongoDB.Collection(cctx.String("table")))
	default:
		return fmt.Errorf("unknown source %q", cctx.String("source"))
	}

	var subscriber feed.Subscriber
	switch cctx.String("realtime") {
	case "websocket":
		ws, err := realtime.NewWebsocketSubscriber(logger, cctx.String("realtime-url"), cctx.String("table"), cctx.String("api-key"))
		if err != nil {
			logger.Error("failed to create websocket subscriber", "error", err)
			return err
		}
		subscriber = ws
	case "redis":
		subscriber = realtime.NewRedisSubscriber(logger, redisClient, cctx.String("table"))
	case "mongo":
		subscriber = realtime.NewMongoSubscriber(logger, mongoDB.Collection(cctx.String("table")))
	default:
		return fmt.Errorf("unknown realtime transport %q", cctx.String("realtime"))
	}

	var locations geo.Store
	switch cctx.String("location-store") {
	case "sqlite":
		// Make sure data directory exists
		if err := os.MkdirAll(filepath.Dir(cctx.String("sqlite-path")), 0755); err != nil {
			logger.Error("failed to create data directory", "error", err)
			return err
		}
		store, err := geo.NewSQLiteStore(cctx.String("sqlite-path"))
		if err != nil {
			logger.Error("failed to open location store", "error", err)
			return err
		}
		locations = store
	case "redis":
		locations = geo.NewRedisStore(redisClient, "")
	case "memory":
		locations = geo.NewMemoryStore()
	default:
		return fmt.Errorf("unknown location store %q", cctx.String("location-store"))
	}

	filter := feed.Filter{
		Category: cctx.String("category"),
		Status:   cctx.String("status"),
		PageSize: cctx.Int("page-size"),
	}

	f, err := feed.Open(ctx, logger, cctx.String("table"), filter, fetcher, subscriber)
	if err != nil {
		logger.Error("failed to open feed", "error", err)
		return err
	}

	h := api.NewAPI(f, geo.NewProvider(logger, locations, geo.DefaultCoord))
	origin := h.Annotate(ctx)
	logger.Info("feed opened", "filter", filter.String(), "lat", origin.Lat, "lng", origin.Lng)

	// Log every state change of the feed
	watcherShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "feed_watcher")
		defer close(watcherShutdown)

		lastPhase := f.State().Phase
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.Updates():
				s := f.State()
				if s.Phase != lastPhase {
					logger.Info("feed phase changed", "from", lastPhase.String(), "to", s.Phase.String())
					lastPhase = s.Phase
				}
				if s.Err != nil {
					logger.Warn("feed error", "kind", s.Err.Kind, "op", s.Err.Op, "message", s.Err.Message)
				}
				logger.Debug("feed updated", "records", len(s.Records), "has_more", s.Cursor != nil)
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "feedsync",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	h.Register(e)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "feedsync")
	})
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down, waiting for routines to finish")
	close(shutdownHTTPServer)
	<-httpServerShutdown

	cancel()
	<-watcherShutdown

	if err := f.Close(); err != nil {
		logger.Error("failed to close feed", "error", err)
	}
	logger.Info("shutdown complete")

	return nil
}
