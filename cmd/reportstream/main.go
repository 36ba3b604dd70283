package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/accountex-org/reportstream/internal/pipeline"
	"github.com/accountex-org/reportstream/pkg/config"
	"github.com/accountex-org/reportstream/pkg/logger"
	"github.com/accountex-org/reportstream/pkg/observability"
	"github.com/accountex-org/reportstream/pkg/source"
	"github.com/accountex-org/reportstream/pkg/telemetry"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "reportstream",
		Short: "ReportStream - streaming report aggregation pipeline",
		Long: `ReportStream streams report data from paged sources in memory-bounded
chunks, aggregates it across hash partitions, and emits a merged result.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ReportStream v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newConfigCmd())
	root.AddCommand(newRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newConfigCmd writes a default configuration file to edit from.
func newConfigCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pipeline configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NewPipelineConfig("report-pipeline")
			if err := config.Save(output, cfg); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("wrote %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "reportstream.yaml", "Path for the generated configuration file")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		configFile  string
		csvFile     string
		timeout     time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a report pipeline over a CSV source",
		Long: `Run a report pipeline with the given configuration against a CSV file.
The merged aggregation result is printed to stdout as JSON.

Example:
  reportstream run --config pipeline.yaml --csv orders.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(configFile, csvFile, timeout, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to pipeline configuration YAML file (required)")
	cmd.Flags().StringVar(&csvFile, "csv", "", "Path to CSV source file (required)")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("csv")

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Pipeline timeout")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Listen address for the Prometheus /metrics endpoint")

	return cmd
}

func runPipeline(configFile, csvFile string, timeout time.Duration, metricsAddr string) error {
	cfg := config.NewPipelineConfig("report-pipeline")
	if err := config.Load(configFile, cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logger.Init(logger.Config{Level: cfg.Observability.LogLevel, Encoding: "console"}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Get().With(zap.String("component", "reportstream-cli"))
	defer func() { _ = logger.Sync() }()

	if err := observability.Init(observability.TracingConfig{
		ServiceName:    "reportstream",
		ServiceVersion: version,
		Enabled:        cfg.Observability.EnableTracing,
		SamplingRate:   1.0,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	var sink telemetry.Sink = telemetry.NewLogSink(log)
	if cfg.Observability.EnableMetrics {
		sink = telemetry.NewMultiSink(sink, telemetry.NewPrometheusSink())
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("metrics endpoint listening", zap.String("addr", metricsAddr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	registry := pipeline.NewRegistry(sink, log)
	registry.Start(ctx)

	cache := pipeline.NewCache(cfg.Cache, log)
	cache.Start(ctx)

	health := pipeline.NewHealthMonitor(registry, cfg.Health, sink, log)
	health.Start(ctx)
	defer health.Stop()

	src := source.NewCSVSource(csvFile)
	query := source.Query{Source: csvFile}

	log.Info("starting pipeline",
		zap.String("config", configFile),
		zap.String("csv", csvFile),
		zap.Int("chunk_size", cfg.Fetch.ChunkSize),
		zap.Int("partitions", cfg.Partition.Count),
		zap.Strings("group_by", cfg.Transform.GroupBy))

	supervisor := pipeline.NewSupervisor(*cfg, src, query, nil, registry, cache, sink, log)

	report, err := supervisor.Run(ctx)
	if err != nil {
		if report != nil && report.Result != nil {
			log.Warn("pipeline failed with partial results",
				zap.Int64("records", report.Result.Records))
		}
		return fmt.Errorf("pipeline execution failed: %w", err)
	}

	log.Info("pipeline completed",
		zap.Duration("duration", report.Duration),
		zap.Int64("records_processed", report.State.RecordsProcessed),
		zap.Float64("records_per_second", report.State.Throughput(time.Now())))

	out, err := json.MarshalIndent(report.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(out))

	return nil
}
