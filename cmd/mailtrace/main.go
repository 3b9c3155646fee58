package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mailtrace/internal/analysis"
	"mailtrace/internal/config"
	"mailtrace/internal/handler"
	"mailtrace/internal/model"
	"mailtrace/internal/parser"
	"mailtrace/internal/report"
	"mailtrace/internal/repository"
	"mailtrace/internal/service"
)

var (
	lastLogTime atomic.Value
	logMutex    sync.Mutex
)

func init() {
	lastLogTime.Store(time.Now())
}

const usage = `usage: mailtrace <command> [flags]

commands:
  analyze   trace a header file and write the text report
  serve     run the HTTP API`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	flags := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	var input, output, ipsFile string
	switch cmd {
	case "analyze":
		flags.StringVarP(&input, "input", "i", "headers.txt", "file holding the raw message headers")
		flags.StringVarP(&output, "output", "o", "email_analysis_report.txt", "where to write the report")
		flags.StringVar(&ipsFile, "ips", "", "optional file of extra addresses to check for reputation, one per line")
	case "serve":
		flags.String("port", ":8080", "listen address")
		viper.BindPFlag("SERVER_PORT", flags.Lookup("port"))
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.Int("workers", 8, "concurrent lookups")
	viper.BindPFlag("LOG_LEVEL", flags.Lookup("log-level"))
	viper.BindPFlag("WORKERS", flags.Lookup("workers"))
	flags.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)

	app, err := newApplication(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}

	code := 0
	switch cmd {
	case "analyze":
		code = runAnalyze(app, logger, input, output, ipsFile)
	case "serve":
		runServe(app, cfg, logger)
	}

	app.Close()
	logger.Sync()
	os.Exit(code)
}

func newLogger(level string) *zap.Logger {
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		logConfig.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := logConfig.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

type application struct {
	trace   *service.TraceService
	closers []func()
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApplication(cfg *config.Config, logger *zap.Logger) (*application, error) {
	app := &application{}
	ctx := context.Background()

	var redisClient *redis.Client
	if cfg.QuotaBackend == config.QuotaBackendRedis || cfg.CacheEnabled {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		redisClient = redis.NewClient(opt)
		app.closers = append(app.closers, func() { redisClient.Close() })
	}

	var redisRepo *repository.RedisRepository
	if redisClient != nil {
		redisRepo = repository.NewRedisRepository(redisClient, cfg.CacheTTL, logger)
	}

	var quota service.QuotaStore
	switch cfg.QuotaBackend {
	case config.QuotaBackendPostgres:
		db, err := sqlx.Connect("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
		}
		app.closers = append(app.closers, func() { db.Close() })

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		repo := repository.NewPostgresRepository(db, logger)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		quota = repo
	case config.QuotaBackendRedis:
		quota = redisRepo
	case config.QuotaBackendFile:
		store, err := repository.NewFileQuotaStore(cfg.QuotaFile, logger)
		if err != nil {
			return nil, err
		}
		quota = store
	default:
		return nil, fmt.Errorf("unknown quota backend %q", cfg.QuotaBackend)
	}

	var locations service.LocationCache
	var verdicts service.VerdictCache
	if cfg.CacheEnabled {
		locations = redisRepo
		verdicts = redisRepo
	}

	pool, err := service.NewWorkerPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	app.closers = append(app.closers, pool.Release)

	client := service.NewHTTPClient(cfg.HTTPTimeout)
	providers := []service.GeoProvider{
		service.NewIPInfoProvider(cfg.ProviderURL(config.ProviderIPInfo), cfg.IPInfoToken, client),
		service.NewIPGeolocationProvider(cfg.ProviderURL(config.ProviderIPGeolocation), cfg.IPGeolocationAPIKey, client),
		service.NewQuotaLimitedProvider(
			service.NewIPStackProvider(cfg.ProviderURL(config.ProviderIPStack), cfg.IPStackAccessKey, client),
			quota,
			cfg.IPStackRequestLimit,
			logger,
		),
	}

	if cfg.RIRFallback {
		rir := service.NewRIRProvider(service.NewRIRService(client, logger), logger)
		if err := rir.Load(ctx, cfg.RIRs); err != nil {
			logger.Warn("RIR fallback disabled", zap.Error(err))
		} else {
			providers = append(providers, rir)
		}
	}

	geo := service.NewGeoService(providers, locations, logger)
	reputation := service.NewReputationService(
		service.NewVirusTotalClient(cfg.VirusTotal.URL, cfg.VirusTotalAPIKey, client),
		verdicts,
		pool,
		logger,
	)

	app.trace = service.NewTraceService(
		parser.NewExtractor(logger),
		geo,
		reputation,
		analysis.NewRiskScorer(cfg.HighRiskCountries),
		pool,
		logger,
	)

	return app, nil
}

func runAnalyze(app *application, logger *zap.Logger, input, output, ipsFile string) int {
	raw, err := os.ReadFile(input)
	if err != nil {
		logger.Error("Failed to read headers", zap.String("input", input), zap.Error(err))
		return 1
	}

	var extra []string
	if ipsFile != "" {
		extra, err = readAddresses(ipsFile)
		if err != nil {
			logger.Error("Failed to read extra addresses", zap.String("ips", ipsFile), zap.Error(err))
			return 1
		}
	}

	result, err := app.trace.Analyze(context.Background(), string(raw), extra...)
	if err != nil {
		logger.Error("Failed to analyze message", zap.String("input", input), zap.Error(err))
		return 1
	}

	f, err := os.Create(output)
	if err != nil {
		logger.Error("Failed to create report", zap.String("output", output), zap.Error(err))
		return 1
	}
	if err := writeReport(f, result); err != nil {
		logger.Error("Failed to write report", zap.String("output", output), zap.Error(err))
		return 1
	}

	logger.Info("Report written",
		zap.String("output", output),
		zap.Int("hops", len(result.Hops)),
		zap.Bool("suspicious", result.Risk.IsSuspicious))
	return 0
}

// writeReport renders r into w and closes it, returning the close error too.
func writeReport(w io.WriteCloser, r *model.Report) error {
	if err := report.Render(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func readAddresses(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var addrs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	return addrs, scanner.Err()
}

func runServe(app *application, cfg *config.Config, logger *zap.Logger) {
	logger.Info("Starting up server...", zap.String("port", cfg.ServerPort))

	server := fiber.New(fiber.Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	server.Use(recover.New())
	server.Use(requestLogger(logger))

	h := handler.NewHandler(app.trace, cfg.ReputationMaxIPs, logger)
	h.RegisterRoutes(server)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		if err := server.Listen(cfg.ServerPort); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("Shutting down server...")

	if err := server.Shutdown(); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
}

// requestLogger always logs errors and slow requests and samples the rest at
// most once every 10 seconds.
func requestLogger(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		latency := time.Since(start)

		if err != nil || latency > 2*time.Second || c.Response().StatusCode() != 200 {
			logger.Info("request",
				zap.Int("status", c.Response().StatusCode()),
				zap.Duration("latency", latency),
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err),
			)
			return err
		}

		last := lastLogTime.Load().(time.Time)
		if time.Since(last) >= 10*time.Second {
			logMutex.Lock()
			if time.Since(lastLogTime.Load().(time.Time)) >= 10*time.Second {
				logger.Info("sampled_request",
					zap.Int("status", c.Response().StatusCode()),
					zap.Duration("latency", latency),
					zap.String("method", c.Method()),
					zap.String("path", c.Path()),
				)
				lastLogTime.Store(time.Now())
			}
			logMutex.Unlock()
		}

		return err
	}
}
