package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/pipeline"
	"github.com/aluiziolira/go-scrape-cards/scraper"
	"github.com/aluiziolira/go-scrape-cards/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// defaultConfigFile is read from the working directory when --config is not
// given. A missing default file is not an error.
const defaultConfigFile = "cardscrape.yaml"

// NewCrawlCmd creates the crawl command.
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [start-url]",
		Short: "Crawl one bank site and write the merged card record",
		Long: `Crawl fetches the start page, triages its links, fetches the highest
priority pages and PDFs within budget and writes one aggregated record.

Settings are read from the YAML file first, then SCRAPER_* environment
variables, then flags. Later sources win.

Examples:
  # Crawl with defaults
  cardscrape crawl https://www.examplebank.com/credit-cards/platinum

  # Larger budget, dual CSV and JSON output
  cardscrape crawl -p 20 --pdfs 10 -f dual -o out/platinum.json https://www.examplebank.com/credit-cards/platinum

  # Keep a run ledger and expose metrics
  cardscrape crawl --ledger runs.db --metrics-addr :9090 -c bank.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCrawlCmd,
	}

	defaults := config.DefaultConfig()
	flags := cmd.Flags()

	flags.StringP("config", "c", "", "Configuration file (default: "+defaultConfigFile+" when present)")
	flags.String("base-domain", "", "Domain links must stay within (default: derived from the start URL)")

	flags.IntP("pages", "p", defaults.MaxPages, "Maximum internal pages to fetch")
	flags.Int("pdfs", defaults.MaxPDFs, "Maximum PDF documents to fetch")
	flags.IntP("workers", "w", defaults.Workers, "Concurrent fetches")
	flags.Duration("delay", defaults.Delay.Duration, "Delay before each fetch after the first in a phase")
	flags.Duration("random-delay", defaults.RandomDelay.Duration, "Random jitter added to the delay")
	flags.DurationP("timeout", "t", defaults.Timeout.Duration, "Timeout for each request")
	flags.Duration("run-timeout", defaults.RunTimeout.Duration, "Wall-clock limit for the whole run (0 disables)")
	flags.Int("max-attempts", defaults.MaxAttempts, "Attempts per resource for transient errors")

	flags.Bool("keep-pdfs", defaults.KeepPDFs, "Keep downloaded PDFs on disk")
	flags.String("pdf-dir", defaults.PDFDir, "Directory for downloaded PDFs (default: system temp dir)")

	flags.StringP("output", "o", defaults.OutputFile, "Output file path")
	flags.StringP("format", "f", defaults.OutputFormat, "Output format: json, csv, or dual")
	flags.String("ledger", "", "SQLite file recording runs and fetches")
	flags.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")

	return cmd
}

func runCrawlCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing in-flight fetches")
	}()

	var opts []scraper.Option
	if cfg.LedgerPath != "" {
		ledger, err := store.Open(cfg.LedgerPath)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer func() {
			if err := ledger.Close(); err != nil {
				slog.Error("close ledger", slog.Any("error", err))
			}
		}()
		opts = append(opts, scraper.WithRecorder(ledger))
	}

	s, err := scraper.NewScraper(cfg, opts...)
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}

	p, err := pipeline.NewPipeline(cfg)
	if err != nil {
		return fmt.Errorf("initialising pipeline: %w", err)
	}
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	metricsServer := startMetricsServer(cfg.MetricsAddr, s.Metrics)
	defer stopMetricsServer(metricsServer)

	slog.Info("starting crawl",
		slog.String("start_url", cfg.StartURL),
		slog.String("base_domain", cfg.BaseDomain),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("pdfs", cfg.MaxPDFs),
		slog.Int("workers", cfg.Workers),
	)

	startTime := time.Now()
	result, err := s.Run(ctx, p)
	if err != nil {
		return fmt.Errorf("crawl failed: %w", err)
	}

	if err := writeOutput(cfg, result); err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), result, time.Since(startTime), cfg.OutputFile, p.GetMetrics())

	if result.FatalErr != nil {
		return fmt.Errorf("run %s %s: %w", result.RunID, result.State, result.FatalErr)
	}
	return nil
}

// buildConfig layers the config file, the environment, the positional start
// URL and explicitly set flags, in that order.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		return nil, err
	}

	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if len(args) == 1 {
		cfg.StartURL = args[0]
	}

	intFlags := map[string]*int{
		"pages":        &cfg.MaxPages,
		"pdfs":         &cfg.MaxPDFs,
		"workers":      &cfg.Workers,
		"max-attempts": &cfg.MaxAttempts,
	}
	for name, dst := range intFlags {
		if !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetInt(name); err != nil {
			return nil, err
		}
	}

	durationFlags := map[string]*config.Duration{
		"delay":        &cfg.Delay,
		"random-delay": &cfg.RandomDelay,
		"timeout":      &cfg.Timeout,
		"run-timeout":  &cfg.RunTimeout,
	}
	for name, dst := range durationFlags {
		if !flags.Changed(name) {
			continue
		}
		d, err := flags.GetDuration(name)
		if err != nil {
			return nil, err
		}
		*dst = config.DurationFrom(d)
	}

	stringFlags := map[string]*string{
		"base-domain":  &cfg.BaseDomain,
		"pdf-dir":      &cfg.PDFDir,
		"output":       &cfg.OutputFile,
		"format":       &cfg.OutputFormat,
		"ledger":       &cfg.LedgerPath,
		"metrics-addr": &cfg.MetricsAddr,
	}
	for name, dst := range stringFlags {
		if !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetString(name); err != nil {
			return nil, err
		}
	}

	if flags.Changed("keep-pdfs") {
		if cfg.KeepPDFs, err = flags.GetBool("keep-pdfs"); err != nil {
			return nil, err
		}
	}
	if getVerboseFlag(cmd) {
		cfg.Verbose = true
	}

	cfg.Normalise()
	return cfg, nil
}

// loadConfigFile reads path, or the default file when path is empty.
func loadConfigFile(path string) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	cfg, err := config.Load(path)
	switch {
	case err == nil:
		slog.Debug("configuration loaded", slog.String("path", path))
		return cfg, nil
	case errors.Is(err, config.ErrConfigNotFound) && !explicit:
		return config.DefaultConfig(), nil
	default:
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
}

func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}

func writeOutput(cfg *config.Config, result *models.RunResult) error {
	writer, err := pipeline.NewWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return fmt.Errorf("creating writer: %w", err)
	}
	if err := writer.Write(models.NewOutput(result)); err != nil {
		writer.Close()
		return fmt.Errorf("write output: %w", err)
	}
	if err := writer.Validate(); err != nil {
		writer.Close()
		return fmt.Errorf("output validation failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func stopMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func printSummary(w io.Writer, result *models.RunResult, duration time.Duration, outputFile string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintf(w, "Crawl %s\n", result.State)

	sources := int64(0)
	if processed, ok := metrics["processed_sources"].(int64); ok {
		sources = processed
	}

	fmt.Fprintf(w, "  Run ID:        %s\n", result.RunID)
	fmt.Fprintf(w, "  Pages:         %d\n", result.PageCount)
	fmt.Fprintf(w, "  PDFs:          %d\n", result.PDFCount)
	fmt.Fprintf(w, "  Sources:       %d\n", sources)
	fmt.Fprintf(w, "  Retries:       %d\n", result.RetryCount)
	fmt.Fprintf(w, "  Skipped URLs:  %d\n", len(result.SkippedURLs))
	fmt.Fprintf(w, "  Errors:        %d\n", result.Errors.Total)
	if len(result.Errors.ByKind) > 0 {
		kinds := make([]string, 0, len(result.Errors.ByKind))
		for kind, n := range result.Errors.ByKind {
			kinds = append(kinds, fmt.Sprintf("%s=%d", kind, n))
		}
		sort.Strings(kinds)
		fmt.Fprintf(w, "  Error kinds:   %s\n", strings.Join(kinds, ", "))
	}
	fmt.Fprintf(w, "  Completeness:  %.2f%% (%d/%d)\n",
		result.Completeness.Percentage, result.Completeness.FilledFields, result.Completeness.TotalFields)
	if len(result.Completeness.Missing) > 0 {
		fmt.Fprintf(w, "  Missing:       %s\n", strings.Join(result.Completeness.Missing, ", "))
	}
	if result.FatalErr != nil {
		fmt.Fprintf(w, "  Fatal:         %v\n", result.FatalErr)
	}
	fmt.Fprintf(w, "  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Output file:   %s\n", outputFile)
	fmt.Fprintln(w, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
