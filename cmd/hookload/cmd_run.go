package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/webhookscc/hookload/internal/config"
	"github.com/webhookscc/hookload/internal/harness"
	"github.com/webhookscc/hookload/internal/observability"
)

var (
	receiverURL string
	storeURL    string
	redisAddr   string
	redisDB     int

	users               int
	endpointsPerUser    int
	requestsPerEndpoint int
	requestLimit        int
	overrunTolerance    int

	concurrency    int
	maxRPS         float64
	requestTimeout time.Duration
	flushWaitSecs  int

	skipSeed    bool
	skipCleanup bool

	otelEnabled  bool
	otelEndpoint string
)

var runCmd = &cobra.Command{
	Use:          "run",
	Short:        "Run the full load test against a running receiver",
	SilenceUsage: true,
	RunE:         runLoadTest,
}

func init() {
	def := config.Default()

	runCmd.Flags().StringVar(&receiverURL, "receiver-url", def.ReceiverURL, "Receiver base URL")
	runCmd.Flags().StringVar(&storeURL, "store-url", def.StoreURL, "Durable store base URL")
	runCmd.Flags().StringVar(&redisAddr, "redis-addr", def.RedisAddr, "Cache (Redis) address")
	runCmd.Flags().IntVar(&redisDB, "redis-db", 0, "Cache (Redis) database number")
	runCmd.Flags().IntVar(&users, "users", def.Users, "Number of test users to seed")
	runCmd.Flags().IntVar(&endpointsPerUser, "endpoints-per-user", def.EndpointsPerUser, "Endpoints per user")
	runCmd.Flags().IntVar(&requestsPerEndpoint, "requests-per-endpoint", def.RequestsPerEndpoint, "Requests to send per endpoint")
	runCmd.Flags().IntVar(&requestLimit, "limit", def.RequestLimit, "Per-user request quota")
	runCmd.Flags().IntVar(&overrunTolerance, "overrun-tolerance", def.OverrunTolerance, "Acceptable per-user overrun under concurrent admission")
	runCmd.Flags().IntVar(&concurrency, "concurrency", def.Concurrency, "Max in-flight HTTP requests")
	runCmd.Flags().Float64Var(&maxRPS, "max-rps", 0, "Send-rate ceiling in requests/sec (0 = unlimited)")
	runCmd.Flags().DurationVar(&requestTimeout, "request-timeout", def.RequestTimeout, "Per-request hard timeout")
	runCmd.Flags().IntVar(&flushWaitSecs, "flush-wait", int(def.FlushWait.Seconds()), "Max seconds to wait for flush workers to deliver")
	runCmd.Flags().BoolVar(&skipSeed, "skip-seed", false, "Reuse existing seeded data instead of reseeding")
	runCmd.Flags().BoolVar(&skipCleanup, "skip-cleanup", false, "Skip the cleanup phase")
	runCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing of harness phases")
	runCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(runCmd)
}

func buildConfig() config.Run {
	cfg := config.Default()
	cfg.ReceiverURL = receiverURL
	cfg.StoreURL = storeURL
	cfg.RedisAddr = redisAddr
	cfg.RedisDB = redisDB
	cfg.Users = users
	cfg.EndpointsPerUser = endpointsPerUser
	cfg.RequestsPerEndpoint = requestsPerEndpoint
	cfg.RequestLimit = requestLimit
	cfg.OverrunTolerance = overrunTolerance
	cfg.Concurrency = concurrency
	cfg.MaxRPS = maxRPS
	cfg.RequestTimeout = requestTimeout
	cfg.FlushWait = time.Duration(flushWaitSecs) * time.Second
	cfg.SkipSeed = skipSeed
	cfg.SkipCleanup = skipCleanup
	return cfg
}

func runLoadTest(cmd *cobra.Command, args []string) error {
	otelShutdown, err := observability.InitTracer(otelEnabled, otelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	h, err := harness.New(buildConfig())
	if err != nil {
		return err
	}
	return h.Run(cmd.Context())
}
