package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edirooss/mswitch-server/internal/cli"
	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/health"
	"github.com/edirooss/mswitch-server/internal/http/handler"
	mw "github.com/edirooss/mswitch-server/internal/http/middleware"
	"github.com/edirooss/mswitch-server/internal/ingest"
	rds "github.com/edirooss/mswitch-server/internal/redis"
	"github.com/edirooss/mswitch-server/internal/service"
	"github.com/edirooss/mswitch-server/internal/switcher"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath = flag.String("config", "", "path to config file (.json or .yaml)")
	sourcesArg = flag.String("sources", "", `compact sources override: "s0=udp://...;s1=file:..."`)
	threshArg  = flag.String("thresholds", "", `compact thresholds override: "cc_errors_per_sec=5,packet_loss_percent=2"`)
	outputArg  = flag.String("output", "", `output sink override: udp://host:port, file:path, or "-"`)
)

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	if !cfg.Enable {
		log.Info("switching disabled by config, exiting")
		return
	}

	// Output sink
	sink, sinkClose, err := openOutput(cfg.Output)
	if err != nil {
		log.Fatal("output sink open failed", zap.String("output", cfg.Output), zap.Error(err))
	}
	defer sinkClose()

	// Domain wiring: one tube per source feeding a single engine loop.
	n := len(cfg.Sources)
	tubes := make([]*switcher.Tube, n)
	for i := range tubes {
		tubes[i] = switcher.NewTube(ingest.TubeCapacity(cfg.BufferMS))
	}

	mon := health.NewMonitor(log, n, cfg.AutoFailover.Thresholds,
		time.Duration(cfg.Revert.HealthWindowMS)*time.Millisecond)

	mgr := ingest.NewManager(log, &cfg, tubes, mon)

	eng := switcher.New(log, tubes, mon, mgr, sink, switcher.Options{
		Mode:         cfg.Mode,
		OnCut:        cfg.OnCut,
		FreezeOnCut:  time.Duration(cfg.FreezeOnCut) * time.Millisecond,
		RevertPolicy: cfg.Revert.Policy,
		AutoFailover: cfg.AutoFailover.Enable,
	})
	eng.SetSelector(mgr)
	mon.OnTransition(eng.NotifyHealth)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Optional switch-event mirror
	if cfg.RedisAddr != "" {
		repo := rds.NewSwitchRepository(log, rds.NewClient(cfg.RedisAddr, 0, log))
		eng.SetRecorder(repo)
		go repo.RunHealthPublisher(ctx, n, time.Second, mon.Snapshot)
	}

	statussvc := service.NewStatusService(log, eng, mgr, service.StatusOptions{})

	// Background loops
	mgr.Start(ctx)
	go mon.Run(ctx, 100*time.Millisecond)
	go eng.Run(ctx)

	// Control planes
	var httpsrv *http.Server
	if cfg.Webhook.Enable {
		httpsrv = buildControlServer(log, &cfg, eng, mgr, statussvc, isDev)
		go func() {
			log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
			if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("server failed", zap.Error(err))
				cancel()
			}
		}()
	}
	if cfg.CLI.Enable {
		console := cli.NewConsole(log, &cfg, eng, statussvc, os.Stdin, os.Stderr)
		console.Quit = cancel
		go console.Run(ctx)
	}

	<-ctx.Done()
	log.Info("shutting down")

	if httpsrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpsrv.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		scancel()
	}
	mgr.Stop(3 * time.Second)
	log.Info("server closed")
}

// buildControlServer assembles the gin router and hardened http.Server for
// the webhook control plane. Config methods gate which routes exist.
func buildControlServer(log *zap.Logger, cfg *config.Config, eng *switcher.Engine, mgr *ingest.Manager, statussvc *service.StatusService, isDev bool) *http.Server {
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Enable CORS for a local dashboard
			r.Use(cors.New(cors.Config{
				AllowOrigins:  []string{"http://localhost:5173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:  []string{"GET", "POST", "OPTIONS"},
				AllowHeaders:  []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders: []string{"X-Request-ID", "X-Cache"},
				MaxAge:        12 * time.Hour,
			}))
		}

		r.Use(accessLog(log))

		r.Use(func(c *gin.Context) {
			// Control requests are tiny; cap bodies hard.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

		ctrl := handler.NewControl(log, cfg, eng, mgr, statussvc)
		allowed := func(method string) bool {
			for _, m := range cfg.Webhook.Methods {
				if m == method {
					return true
				}
			}
			return false
		}

		if allowed("health") {
			r.GET("/status", ctrl.Status)
			r.GET("/sources/:id/logs", ctrl.SourceLogs)
		}
		if allowed("switch") {
			r.POST("/switch", ctrl.Switch)
		}
		if allowed("config") {
			r.POST("/failover", ctrl.Failover)
		}
	}

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Webhook.Port),
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      15 * time.Second, // avoid forever-hangs on writes
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("mswitch %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		// errors.Join returns nil if errs is empty
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
			zap.String("request_id", mw.GetRequestID(c)),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// helpers

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)

	// Logs must never interleave with a stdout-bound TS stream.
	logConfig.OutputPaths = []string{"stderr"}
	return zap.Must(logConfig.Build())
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
	}

	if *sourcesArg != "" {
		srcs, err := config.ParseSources(*sourcesArg)
		if err != nil {
			return cfg, err
		}
		cfg.Sources = srcs
	}
	if *threshArg != "" {
		th, err := config.ParseThresholds(*threshArg, cfg.AutoFailover.Thresholds)
		if err != nil {
			return cfg, err
		}
		cfg.AutoFailover.Thresholds = th
	}
	if *outputArg != "" {
		cfg.Output = *outputArg
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openOutput resolves the sink URL to a writer. "-" is stdout, udp://
// dials a datagram socket, anything else is treated as a file path
// (with an optional "file:" prefix).
func openOutput(out string) (io.Writer, func(), error) {
	switch {
	case out == "" || out == "-":
		return os.Stdout, func() {}, nil
	case len(out) > 6 && out[:6] == "udp://":
		conn, err := net.Dial("udp", out[6:])
		if err != nil {
			return nil, nil, fmt.Errorf("dial output: %w", err)
		}
		return conn, func() { conn.Close() }, nil
	default:
		path := out
		if len(out) > 5 && out[:5] == "file:" {
			path = out[5:]
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open output: %w", err)
		}
		return f, func() { f.Close() }, nil
	}
}
