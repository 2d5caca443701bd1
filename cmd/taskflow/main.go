// Command taskflow runs the asynchronous workflow engine: the task
// service, the scanning orchestrator, one poller per configured agent
// pool, the event monitor and stall detector, and the HTTP façade,
// wired together the way cmd/divinesense/main.go wires its own
// cobra/viper/godotenv root command and signal-driven graceful
// shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kgatilin/aihive/bus"
	"github.com/kgatilin/aihive/bus/broker"
	"github.com/kgatilin/aihive/config"
	"github.com/kgatilin/aihive/httpapi"
	"github.com/kgatilin/aihive/internal/version"
	"github.com/kgatilin/aihive/metrics"
	"github.com/kgatilin/aihive/monitor"
	"github.com/kgatilin/aihive/plugin/webhook"
	"github.com/kgatilin/aihive/poller"
	"github.com/kgatilin/aihive/retry"
	"github.com/kgatilin/aihive/scanner"
	"github.com/kgatilin/aihive/service"
	"github.com/kgatilin/aihive/store/file"
)

var isSystemdService bool

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "An asynchronous workflow engine coordinating long-running tasks between producers and pluggable worker agents.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if !isSystemdService {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "", "address the HTTP facade binds to")
	rootCmd.PersistentFlags().Int("port", 28082, "port the HTTP facade binds to")
	rootCmd.PersistentFlags().String("mode", "dev", `mode of the process, can be "prod", "dev", or "demo"`)

	bind := func(key string) {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}
	bind("addr")
	bind("port")
	bind("mode")

	viper.SetEnvPrefix("taskflow")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	isSystemdService = os.Getenv("INVOCATION_ID") != ""
}

func run(_ *cobra.Command, _ []string) error {
	var cfg config.Config
	cfg.FromEnv()
	cfg.Addr = viper.GetString("addr")
	cfg.Port = viper.GetInt("port")
	if m := viper.GetString("mode"); m != "" {
		cfg.Mode = m
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("taskflow: invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.Default()
	logger.Info("taskflow starting", "version", version.String(), "mode", cfg.Mode)

	repo, err := file.NewOS(cfg.RepositoryDir)
	if err != nil {
		return fmt.Errorf("taskflow: opening repository: %w", err)
	}

	b, err := buildBus(cfg)
	if err != nil {
		return fmt.Errorf("taskflow: building bus: %w", err)
	}
	met := metrics.New(nil)
	if mb, ok := b.(*bus.MemoryBus); ok {
		mb.SetMetrics(met)
	}
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("taskflow: connecting bus: %w", err)
	}
	defer b.Disconnect(ctx)

	var logPath string
	if cfg.EventLogDirectory != "" {
		logPath = cfg.EventLogDirectory + "/events.log"
	}
	mon := monitor.New(monitor.Config{
		MaxMemoryEntries: cfg.MaxMemoryLogEntries,
		FileRotationSize: cfg.FileRotationSize,
	}, afero.NewOsFs(), logPath)
	b.Use(mon.Intercept)

	stallDetector := monitor.NewStallDetector(monitor.StallDetectorConfig{
		AlertThreshold: time.Duration(cfg.AlertThresholdSeconds) * time.Second,
	}, mon)
	stallDetector.OnStall(func(alert monitor.StallAlert) {
		met.RecordStallRaised()
		logger.Warn("stalled workflow",
			"correlation_id", alert.CorrelationID,
			"start_time", alert.StartTime,
			"last_update_time", alert.LastUpdateTime,
		)
	})
	stallDetector.Start(ctx)
	defer stallDetector.Stop()

	go reportActiveWorkflows(ctx, mon, met, cfg.TaskPollInterval)

	var notifier service.Notifier
	if cfg.WebhookURL != "" {
		notifier = webhook.NewNotifier(cfg.WebhookURL)
	}
	svc := service.New(repo, b, retry.Options{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.RetryInitialDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		BackoffFactor: cfg.RetryBackoffFactor,
		Metrics:       met,
	}, notifier)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("taskflow: starting service: %w", err)
	}
	defer svc.Stop()

	scan := scanner.New(scanner.Config{ScanInterval: cfg.TaskScanInterval, Metrics: met}, repo, b)
	if err := scan.Start(ctx); err != nil {
		return fmt.Errorf("taskflow: starting scanner: %w", err)
	}
	defer scan.Stop()

	var pollers []*poller.Poller
	for _, agentID := range cfg.AgentPools {
		p := poller.New(poller.Config{PollInterval: cfg.TaskPollInterval, Metrics: met}, agentID, repo, b, newLoggingAgent(logger))
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("taskflow: starting poller for %s: %w", agentID, err)
		}
		pollers = append(pollers, p)
	}
	defer func() {
		for _, p := range pollers {
			p.Stop()
		}
	}()

	e := echo.New()
	e.HideBanner = true
	httpapi.New(svc).Register(e)
	e.GET("/metrics", echo.WrapHandler(met.Handler()))

	addr := fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http facade stopped", "error", err)
		}
	}()
	logger.Info("taskflow ready", "addr", addr, "agent_pools", cfg.AgentPools)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, terminationSignals...)
	<-sig

	logger.Info("taskflow shutting down")
	return e.Shutdown(ctx)
}

// reportActiveWorkflows periodically copies the monitor's live
// workflow count into the active_workflows gauge, since the monitor
// tracks it in memory but exposes no push seam of its own.
func reportActiveWorkflows(ctx context.Context, mon *monitor.Monitor, met *metrics.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			met.SetActiveWorkflows(len(mon.ActiveWorkflows()))
		}
	}
}

func buildBus(cfg config.Config) (bus.Bus, error) {
	switch cfg.MessageQueueType {
	case config.MessageQueueNATS:
		return broker.New(broker.Config{URL: cfg.BrokerURL, Stream: cfg.BrokerStream}), nil
	default:
		return bus.NewMemoryBus(256), nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("taskflow exited with error", "error", err)
		os.Exit(1)
	}
}
