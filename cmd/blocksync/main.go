// blocksync replicates block devices between backing stores.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blocksync/blocksync/internal/config"
	"github.com/blocksync/blocksync/internal/localdisk"
	"github.com/blocksync/blocksync/internal/metrics"
	"github.com/blocksync/blocksync/internal/replication"
	"github.com/blocksync/blocksync/internal/transport"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	fullSync  bool
	verifyRun bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blocksync",
		Short: "blocksync - block-level replication engine",
		Long: `blocksync keeps a mirror of a block device or backing file in sync,
resynchronising only the extents that diverged.

Examples:

  # Replicate the devices described in the config, resuming from the
  # dirty-extent bitmap:
  blocksync run -c /etc/blocksync/blocksync.yaml

  # Force a full resynchronisation of every device:
  blocksync run -c /etc/blocksync/blocksync.yaml --full-sync

  # Verify the replicas online without transferring data:
  blocksync run -c /etc/blocksync/blocksync.yaml --verify`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/blocksync/blocksync.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the replication engine",
		RunE:  runNode,
	}
	runCmd.Flags().BoolVar(&fullSync, "full-sync", false, "mark every extent dirty and resynchronise from scratch")
	runCmd.Flags().BoolVar(&verifyRun, "verify", false, "run an online verify pass instead of a resync")
	rootCmd.AddCommand(runCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blocksync %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lv)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}

// execHelper runs the configured hook command with the device name and
// event as arguments. The exit status feeds back into the engine's policy
// decisions.
type execHelper struct {
	command string
}

func (h *execHelper) Run(device, event string) (int, error) {
	cmd := exec.Command(h.command, device, event)
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// loggingRequests is the request state machine of the standalone binary: no
// block-device front end feeds application I/O, so events are only logged.
type loggingRequests struct {
	log zerolog.Logger
}

func (l loggingRequests) Mod(req *replication.Request, ev replication.RequestEvent) {
	l.log.Debug().Uint64("id", req.ID).Int("event", int(ev)).Msg("request event")
}

// devicePair is one replicated device plus its in-process mirror.
type devicePair struct {
	source, target *replication.Device
	disks          []*localdisk.Disk
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if err := setupLogging(level); err != nil {
		return err
	}
	logger := log.Logger

	var helper replication.Helper
	if cfg.Helper != "" {
		helper = &execHelper{command: cfg.Helper}
	}

	registry := replication.NewRegistry(logger)
	pairs := make([]*devicePair, 0, len(cfg.Devices))

	for i := range cfg.Devices {
		pair, err := buildPair(&cfg.Devices[i], registry, helper, logger)
		if err != nil {
			for _, p := range pairs {
				p.shutdown()
			}
			return err
		}
		pairs = append(pairs, pair)
	}

	srv := &http.Server{
		Addr: cfg.MetricsListen,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}),
	}
	go func() {
		log.Info().Str("listen", cfg.MetricsListen).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	for _, p := range pairs {
		if err := p.beginSession(fullSync, verifyRun); err != nil {
			log.Error().Err(err).Str("device", p.source.Name()).Msg("could not begin session")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	for _, p := range pairs {
		p.shutdown()
	}
	return nil
}

func buildPair(dc *config.DeviceConfig, registry *replication.Registry, helper replication.Helper, logger zerolog.Logger) (*devicePair, error) {
	blockSize, _ := dc.BlockSizeBytes()
	maxExtent, _ := dc.MaxExtentSizeBytes()
	syncRate, _ := dc.SyncRateBytes()
	tick, _ := dc.TickDuration()

	srcDisk, err := localdisk.Open(dc.Backing, 0, logger)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dc.Name, err)
	}
	tgtDisk, err := localdisk.Open(dc.Mirror, 0, logger)
	if err != nil {
		srcDisk.Close()
		return nil, fmt.Errorf("device %s mirror: %w", dc.Name, err)
	}
	if srcDisk.Capacity() != tgtDisk.Capacity() {
		srcDisk.Close()
		tgtDisk.Close()
		return nil, fmt.Errorf("device %s: backing and mirror sizes differ", dc.Name)
	}

	ta, tb := transport.Pair(logger)

	mirrorName := dc.Name + "-mirror"
	runAfter := dc.RunAfter
	mirrorRunAfter := ""
	if runAfter != "" {
		mirrorRunAfter = runAfter + "-mirror"
	}

	source := replication.New(replication.Config{
		Name:          dc.Name,
		BlockSize:     int(blockSize),
		MaxExtentSize: int(maxExtent),
		SyncRate:      syncRate,
		RunAfter:      runAfter,
		Checksums:     dc.Checksums,
		Tick:          tick,
		LocalIO:       srcDisk,
		Transport:     ta,
		Requests:      loggingRequests{log: logger},
		Helper:        helper,
		Metrics:       metrics.NewDevice(dc.Name),
		Logger:        logger,
	})
	target := replication.New(replication.Config{
		Name:          mirrorName,
		BlockSize:     int(blockSize),
		MaxExtentSize: int(maxExtent),
		SyncRate:      syncRate,
		RunAfter:      mirrorRunAfter,
		Checksums:     dc.Checksums,
		Tick:          tick,
		LocalIO:       tgtDisk,
		Transport:     tb,
		Requests:      loggingRequests{log: logger},
		Helper:        helper,
		Metrics:       metrics.NewDevice(mirrorName),
		Logger:        logger,
	})
	ta.Attach(source, target)
	tb.Attach(target, source)
	registry.Add(source)
	registry.Add(target)

	source.Start()
	target.Start()
	if err := source.Connect(); err != nil {
		return nil, err
	}
	if err := target.Connect(); err != nil {
		return nil, err
	}

	return &devicePair{
		source: source,
		target: target,
		disks:  []*localdisk.Disk{srcDisk, tgtDisk},
	}, nil
}

func (p *devicePair) beginSession(fullSync, verify bool) error {
	if verify {
		if err := p.target.BeginVerifyTarget(0); err != nil {
			return err
		}
		return p.source.StartVerify(0)
	}

	if fullSync {
		p.target.MarkOutOfSync(0, int(p.disks[1].Capacity())*512)
	}
	if err := p.source.StartResync(replication.ConnSyncSource); err != nil {
		return err
	}
	return p.target.StartResync(replication.ConnSyncTarget)
}

func (p *devicePair) shutdown() {
	p.source.Stop()
	p.target.Stop()
	for _, d := range p.disks {
		d.Close()
	}
}
