package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crestfs/crestfs/internal/logger"
	"github.com/crestfs/crestfs/pkg/config"
	"github.com/crestfs/crestfs/pkg/device"
	"github.com/crestfs/crestfs/pkg/journal"
	"github.com/crestfs/crestfs/pkg/metrics"
	"github.com/crestfs/crestfs/pkg/superblock"

	// Import prometheus metrics to register init() functions
	_ "github.com/crestfs/crestfs/pkg/metrics/prometheus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a CrestFS node",
	Long: `Open the configured member devices, replay the journal and run the
node until interrupted.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/crestfs/config.yaml.

Examples:
  # Start with default config location
  crestfs start

  # Start with custom config file
  crestfs start --config /etc/crestfs/config.yaml

  # Start with environment variable overrides
  CRESTFS_LOGGING_LEVEL=DEBUG crestfs start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("no devices configured; format devices with 'crestfs format' and list them under 'devices' in the config")
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize metrics before the journal is created, so the journal
	// metrics constructor sees the registry.
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", logger.Err(err))
			}
		}()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics collection disabled")
	}

	// Open the member devices
	set, store, err := openDevices(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := set.Close(); err != nil {
			logger.Error("device close error", logger.Err(err))
		}
		if err := store.Close(); err != nil {
			logger.Error("superblock close error", logger.Err(err))
		}
	}()

	// Scan the on-disk journal and assemble the replay window
	scan, err := set.Scan()
	if err != nil {
		return fmt.Errorf("journal scan failed: %w", err)
	}
	if !scan.Clean {
		logger.Warn("unclean shutdown detected, replaying journal",
			logger.KeySeq, scan.CurSeq,
			logger.KeyLastSeq, scan.LastSeq,
			"entries", len(scan.Entries))
	}

	j := journal.New(cfg.Journal.JournalConfig(), set.JournalDevices(), journal.Resources{
		Writer:     set,
		Allocator:  set,
		Superblock: store,
		Discard:    set.Discard,
		Metrics:    metrics.NewJournalMetrics(),
	})
	if err := j.Start(scan.CurSeq, scan.ToReplay()); err != nil {
		return fmt.Errorf("journal start failed: %w", err)
	}

	// Re-apply the scanned entries, releasing each replay pin as it is
	// consumed.
	for _, e := range scan.Entries {
		logger.Debug("replaying journal entry",
			logger.KeySeq, e.Seq,
			logger.KeySize, len(e.Payload)*8)
		j.ReplayPinPut(e.Seq)
	}
	j.SetReplayDone()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("node is running, press Ctrl+C to stop")
	<-sigChan
	signal.Stop(sigChan)
	logger.Info("shutdown signal received, initiating graceful shutdown")

	// Flush and stop the journal, then stamp the superblocks
	stopErr := j.Stop()
	if stopErr != nil {
		logger.Error("journal stop error", logger.Err(stopErr))
	}
	if err := store.SetShutdownAll(j.Seq(), stopErr == nil); err != nil {
		logger.Error("superblock shutdown stamp error", logger.Err(err))
		if stopErr == nil {
			stopErr = err
		}
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", logger.Err(err))
		}
	}

	if stopErr != nil {
		return stopErr
	}
	logger.Info("node stopped gracefully")
	return nil
}

// openDevices opens every configured member, checks they belong to the same
// filesystem and builds the device set and superblock store.
func openDevices(cfg *config.Config) (*device.Set, *superblock.Store, error) {
	start := time.Now()

	first, err := device.Open(cfg.Devices[0].Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.Devices[0].Path, err)
	}

	set := device.NewSet(first.Superblock().FSID())
	store := superblock.NewStore()

	if err := set.Add(first); err != nil {
		_ = first.Close()
		return nil, nil, err
	}
	store.Add(first.Superblock())

	for _, dc := range cfg.Devices[1:] {
		d, err := device.Open(dc.Path)
		if err != nil {
			_ = set.Close()
			return nil, nil, fmt.Errorf("open %s: %w", dc.Path, err)
		}
		if err := set.Add(d); err != nil {
			_ = d.Close()
			_ = set.Close()
			return nil, nil, err
		}
		store.Add(d.Superblock())
	}

	logger.Info("devices opened",
		"devices", len(cfg.Devices),
		logger.DurationMs(float64(time.Since(start).Milliseconds())))
	return set, store, nil
}
