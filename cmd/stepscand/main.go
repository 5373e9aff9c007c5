package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	stepscan "github.com/stepscan-labs/stepscan/pkg/stepscan/v1"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
	scanlog "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/log"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/scandb"

	"github.com/stepscan-labs/stepscan/internal/config"
	"github.com/stepscan-labs/stepscan/internal/device"
	"github.com/stepscan-labs/stepscan/internal/engine"
	"github.com/stepscan-labs/stepscan/internal/events"
	"github.com/stepscan-labs/stepscan/internal/logger"
	"github.com/stepscan-labs/stepscan/internal/metrics"
	intScandb "github.com/stepscan-labs/stepscan/internal/scandb"
	"github.com/stepscan-labs/stepscan/internal/server"
	"github.com/stepscan-labs/stepscan/internal/tracing"
)

const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitUsageError      = 2
	ExitSigIntBase      = 128
	ExitSigInt          = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm         = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel     = "info"
	DefaultLogFmt       = "text"
	DefaultEventBusSize = 256
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "validate" {
		runValidateCommand(os.Args[2:])
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "run" {
		os.Exit(runScanCommand(os.Args[2:]))
	}
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		printVersion()
		os.Exit(ExitSuccess)
	}
	os.Exit(runServeCommand(os.Args[1:]))
}

func printVersion() {
	fmt.Printf("stepscand version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
	fmt.Printf("go version: %s\n", runtime.Version())
	fmt.Printf("os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func runValidateCommand(args []string) {
	validateFlags := flag.NewFlagSet("validate", flag.ExitOnError)
	scanPath := validateFlags.String("scan", "", "Path to the scan definition YAML file to validate (required)")
	logLevel := validateFlags.String("log-level", DefaultLogLevel, "Log level for validation output (debug, info, warn, error)")

	validateFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s validate -scan <path> [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Validates the structure and schema compatibility of a scan definition.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		validateFlags.PrintDefaults()
	}

	if err := validateFlags.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing validate flags: %v\n", err)
		os.Exit(ExitUsageError)
	}

	if *scanPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -scan flag is required for validation")
		validateFlags.Usage()
		os.Exit(ExitUsageError)
	}

	log := logger.NewLogger(*logLevel, "text", os.Stderr)
	log.Infof("Validating scan definition: %s", *scanPath)

	scanBytes, err := os.ReadFile(*scanPath)
	if err != nil {
		log.Errorf("Failed to read scan definition file '%s': %v", *scanPath, err)
		os.Exit(ExitFailure)
	}

	_, err = config.LoadScanDefinition(scanBytes, *scanPath)
	if err != nil {
		var validationErr *scanerrors.ValidationError
		var configErr *scanerrors.ConfigError
		if errors.As(err, &validationErr) {
			log.Errorf("Scan definition validation failed:\n%s", validationErr.Error())
		} else if errors.As(err, &configErr) {
			log.Errorf("Scan definition configuration error:\n%s", configErr.Error())
		} else {
			log.Errorf("Failed to load or validate scan definition: %v", err)
		}
		os.Exit(ExitFailure)
	}

	log.Infof("Scan definition validation successful: %s", *scanPath)
	os.Exit(ExitSuccess)
}

// runScanCommand executes one scan definition directly against the simulated
// control system and exits: the quickest way to exercise a definition end to
// end without a running daemon.
func runScanCommand(args []string) int {
	runFlags := flag.NewFlagSet("run", flag.ExitOnError)
	scanPath := runFlags.String("scan", "", "Path to the scan definition YAML file (required)")
	dataDir := runFlags.String("data-dir", ".", "Directory data files are written into")
	logLevel := runFlags.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	logFormat := runFlags.String("log-format", DefaultLogFmt, "Log format (text, json)")

	runFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s run -scan <path> [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Runs one scan definition against the simulated control system.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		runFlags.PrintDefaults()
	}

	if err := runFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *scanPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -scan flag is required")
		runFlags.Usage()
		return ExitUsageError
	}

	log := logger.NewLogger(*logLevel, *logFormat, os.Stderr)
	log = log.With("stepscan_version", version)

	scanBytes, err := os.ReadFile(*scanPath)
	if err != nil {
		log.Errorf("Failed to read scan definition file '%s': %v", *scanPath, err)
		return ExitFailure
	}

	eng, eventBus, tracerProvider, err := buildEngine(log, intScandb.NewMemoryStore(), *dataDir)
	if err != nil {
		log.Errorf("Failed to create scan engine: %v", err)
		return ExitFailure
	}
	defer eventBus.Close()

	runCtx, cancelRun := signalContext(log)
	defer cancelRun()

	listener := events.NewMetricsEventListener(eventBus,
		eng.PointRetryCounter(), eng.RowRedoCounter(), eng.AbortCounter(), log)
	go listener.Start(runCtx)

	report, execErr := eng.RunScan(runCtx, scanBytes)
	shutdownTracer(tracerProvider, log)
	printReportSummary(log, report, execErr)
	return determineExitCode(execErr, log)
}

// runServeCommand starts the daemon: it polls the store's command queue and
// executes scans until shutdown is requested.
func runServeCommand(args []string) int {
	serveFlags := flag.NewFlagSet("stepscand", flag.ExitOnError)
	configPath := serveFlags.String("config", "", "Path to the server config YAML file (optional)")
	logLevel := serveFlags.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	logFormat := serveFlags.String("log-format", DefaultLogFmt, "Log format (text, json)")
	versionFlag := serveFlags.Bool("version", false, "Print version information and exit")

	serveFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Runs the scan daemon: polls the command queue and executes scans.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		serveFlags.PrintDefaults()
	}

	if err := serveFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *versionFlag {
		printVersion()
		return ExitSuccess
	}
	if *logFormat != "text" && *logFormat != "json" {
		fmt.Fprintln(os.Stderr, "Error: -log-format must be 'text' or 'json'")
		return ExitUsageError
	}

	var logWriter io.Writer = os.Stderr
	log := logger.NewLogger(*logLevel, *logFormat, logWriter)
	log = log.With("stepscan_version", version)

	log.Infof("stepscand v%s starting...", version)

	serverCfg, err := config.LoadServerConfigFromFile(*configPath)
	if err != nil {
		log.Errorf("Failed to load server config: %v", err)
		return ExitFailure
	}

	runCtx, cancelRun := signalContext(log)
	defer cancelRun()

	store, err := openStore(runCtx, serverCfg, log)
	if err != nil {
		log.Errorf("Failed to open scan store: %v", err)
		return ExitFailure
	}
	defer store.Close()

	eng, eventBus, tracerProvider, err := buildEngine(log, store, serverCfg.DataDir)
	if err != nil {
		log.Errorf("Failed to create scan engine: %v", err)
		return ExitFailure
	}
	defer eventBus.Close()
	defer shutdownTracer(tracerProvider, log)

	listener := events.NewMetricsEventListener(eventBus,
		eng.PointRetryCounter(), eng.RowRedoCounter(), eng.AbortCounter(), log)
	go listener.Start(runCtx)

	srv, err := server.NewServer(store, eng, log,
		serverCfg.GetPollInterval(), serverCfg.GetHeartbeatInterval())
	if err != nil {
		log.Errorf("Failed to create command server: %v", err)
		return ExitFailure
	}

	if err := srv.Run(runCtx); err != nil {
		log.Errorf("Command server exited with error: %v", err)
		return ExitFailure
	}
	log.Infof("stepscand stopped.")
	return ExitSuccess
}

// buildEngine wires the engine with its standard collaborators: a channel
// event bus, Prometheus metrics, and tracing from the environment with a
// NoOp fallback.
func buildEngine(log scanlog.Logger, store scandb.Store, dataDir string) (*engine.Engine, *events.ChannelEventBus, *tracing.OtelTracerProvider, error) {
	eventBus := events.NewChannelEventBus(DefaultEventBusSize, log)
	metricsProvider := metrics.NewPrometheusRegistryProvider()
	tracerProvider, err := tracing.NewProviderFromEnv(context.Background())
	if err != nil {
		log.Warnf("Failed to initialize tracing from environment: %v. Using NoOp tracer.", err)
		tracerProvider, _ = tracing.NewNoOpProvider()
	}

	engineOpts := []stepscan.EngineOption{
		stepscan.WithStore(store),
		stepscan.WithConnector(device.NewSimConnector()),
		stepscan.WithEventBus(eventBus),
		stepscan.WithMetricsRegistryProvider(metricsProvider),
		stepscan.WithTracerProvider(tracerProvider),
		stepscan.WithDataDir(dataDir),
	}

	eng, err := engine.NewEngine(log, engineOpts...)
	if err != nil {
		eventBus.Close()
		return nil, nil, nil, err
	}
	return eng, eventBus, tracerProvider, nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, log scanlog.Logger) (scandb.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		log.Infof("Opening Postgres scan store")
		return intScandb.OpenPostgres(ctx, intScandb.DefaultPostgresConfig(cfg.DatabaseURL))
	default:
		log.Infof("Using in-memory scan store")
		return intScandb.NewMemoryStore(), nil
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext(log scanlog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func shutdownTracer(provider interface {
	Shutdown(ctx context.Context) error
}, log scanlog.Logger) {
	if provider == nil {
		return
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Error shutting down tracer provider: %v", err)
	}
}

func printReportSummary(log scanlog.Logger, report *stepscan.ScanReport, execErr error) {
	if report == nil {
		log.Warnf("Execution finished but no report was generated (likely due to early failure).")
		if execErr != nil {
			logExecutionErrorReason(log, execErr)
		}
		return
	}

	statusLine := fmt.Sprintf("Scan '%s' finished. Status: %s", report.ScanName, report.Status)
	duration := report.Duration.Truncate(time.Millisecond)
	summaryLine := fmt.Sprintf("Duration: %v. Points: %d/%d, Retries=%d, RowRedos=%d",
		duration, report.CompletedPoints, report.TotalPoints, report.PointRetries, report.RowRedos)

	if execErr != nil && !scanerrors.IsAbort(execErr) {
		log.Errorf("%s. %s", statusLine, summaryLine)
		if report.Error != "" {
			log.Errorf("Scan Error: %s", report.Error)
		} else {
			logExecutionErrorReason(log, execErr)
		}
	} else {
		log.Infof("%s. %s", statusLine, summaryLine)
		if report.DataFile != "" {
			log.Infof("Data file: %s", report.DataFile)
		}
	}
}

func logExecutionErrorReason(log scanlog.Logger, execErr error) {
	if errors.Is(execErr, context.Canceled) {
		log.Warnf("Execution Reason: Cancelled.")
	} else if errors.Is(execErr, context.DeadlineExceeded) {
		log.Errorf("Execution Reason: Timeout.")
	} else {
		log.Errorf("Execution Error: %v", execErr)
	}
}

func determineExitCode(execErr error, log scanlog.Logger) int {
	if execErr == nil {
		log.Infof("Scan completed successfully.")
		return ExitSuccess
	}
	if scanerrors.IsAbort(execErr) {
		log.Warnf("Scan aborted by request.")
		return ExitFailure
	}
	if errors.Is(execErr, context.Canceled) {
		return ExitSigInt
	}
	return ExitFailure
}
