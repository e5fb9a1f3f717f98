package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/timegate/internal/bridge"
	"github.com/goodtune/timegate/internal/classify"
	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/enforce"
	"github.com/goodtune/timegate/internal/ledger"
	"github.com/goodtune/timegate/internal/metrics"
	"github.com/goodtune/timegate/internal/mirror"
	boltstore "github.com/goodtune/timegate/internal/storage/bolt"
	"github.com/goodtune/timegate/internal/systemd"
	"github.com/goodtune/timegate/internal/usage"
	"github.com/goodtune/timegate/internal/watchdog"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the timegate daemon",
	Long:  `Start the timegate daemon with the bridge socket, the balance ledger, lock enforcement, and metrics.`,
	RunE:  runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// serviceController glues the bridge protocol to the classifier, the
// enforcer, and the ledger. Fields are filled in after construction
// because the bridge server itself is the enforcer's overlay launcher.
type serviceController struct {
	classifier *classify.Classifier
	enforcer   *enforce.Enforcer
	ledger     *ledger.Ledger
}

func (c *serviceController) HandleEvent(e classify.Event) { c.classifier.Handle(e) }
func (c *serviceController) OverlayClosed()               { c.enforcer.OverlayClosed() }
func (c *serviceController) ScreenOn()                    { c.enforcer.ScreenOn() }
func (c *serviceController) ScreenOff()                   { c.enforcer.ScreenOff() }
func (c *serviceController) UserPresent()                 { c.enforcer.UserPresent() }
func (c *serviceController) StartSpending() error         { return c.enforcer.StartSpending() }

func (c *serviceController) StartAccumulating(ctx context.Context) error {
	return c.enforcer.StartAccumulating(ctx)
}

func (c *serviceController) StopToIdle(ctx context.Context) error {
	return c.enforcer.StopToIdle(ctx)
}

func (c *serviceController) TempGrant(ctx context.Context) error {
	return c.ledger.TempGrant(ctx)
}

func runService(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting timegate")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := boltstore.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("path", cfg.Storage.Path).Msg("Storage initialized")

	clk := clock.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the ledger
	led, err := ledger.New(ctx, store.Counters(), clk, cfg.Economy, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}

	// Initialize the usage recorder
	recorder := usage.NewRecorder(store.Sessions(), clk, usage.Config{
		MinSessionDuration: cfg.Usage.MinSessionDuration,
		RetainSessions:     cfg.Usage.RetainSessions,
	}, logger)

	// Wire the event pipeline. The bridge server doubles as the overlay
	// launcher, so the controller is filled in afterwards.
	ctl := &serviceController{}
	bridgeSrv := bridge.NewServer(cfg.Bridge, clk, ctl, logger)

	enf := enforce.New(cfg.Lock, clk, led, recorder, bridgeSrv, store.LockStamp(), logger)
	cls := classify.New(cfg.Monitor, clk, enf, logger)
	cls.SetReentry(func(pkg string) bool {
		return pkg != "" && pkg == enf.AppBeforeLock()
	})

	wd := watchdog.New(cfg.Inactivity, clk, enf.HandleInactivity, logger)
	wd.SetIdleCheck(func() bool { return led.Mode() == ledger.ModeIdle })
	enf.SetWatchdog(wd)
	enf.SetNotifier(bridgeSrv)

	led.SetSelfForeground(enf.SelfForeground)
	led.SetOnDepleted(enf.HandleDepleted)

	ctl.classifier = cls
	ctl.enforcer = enf
	ctl.ledger = led

	// Initialize the remote mirror
	var mir *mirror.Mirror
	if cfg.Mirror.Enabled {
		mir, err = mirror.Open(cfg.Mirror, clk, led, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize mirror: %w", err)
		}
		defer func() {
			if err := mir.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close mirror")
			}
		}()
		logger.Info().
			Str("addr", cfg.Mirror.RedisAddr).
			Str("device_id", cfg.Mirror.DeviceID).
			Msg("Mirror initialized")
	}

	led.SetOnChange(func(s ledger.Snapshot) {
		bridgeSrv.PushUpdate(s, enf.CurrentApp())
		if mir != nil {
			mir.PushSnapshot(s)
		}
	})

	// Start the bridge server
	if sdListeners.Bridge != nil {
		bridgeSrv.SetListener(sdListeners.Bridge)
	}
	if err := bridgeSrv.Start(); err != nil {
		return fmt.Errorf("failed to start bridge server: %w", err)
	}

	logger.Info().Str("socket", cfg.Bridge.SocketPath).Msg("Bridge server started")

	// Start the metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Address, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		logger.Info().Str("addr", cfg.Metrics.Address).Msg("Metrics server started")
	}

	// Start the background loops
	go led.Run(ctx)
	go wd.Run(ctx)
	if mir != nil {
		go mir.Run(ctx)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}
	logger.Info().Msg("Timegate startup complete")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	cancel()

	// Flush any open spending episode before the store closes.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	enf.Shutdown(shutdownCtx)

	if err := bridgeSrv.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping bridge server")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Timegate stopped")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
