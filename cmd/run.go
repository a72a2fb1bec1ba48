package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/camwatch/internal/config"
	"github.com/andresmejia3/camwatch/internal/cv"
	"github.com/andresmejia3/camwatch/internal/display"
	"github.com/andresmejia3/camwatch/internal/logging"
	"github.com/andresmejia3/camwatch/internal/monitor"
	"github.com/andresmejia3/camwatch/internal/registry"
	"github.com/andresmejia3/camwatch/internal/resolver"
	"github.com/andresmejia3/camwatch/internal/scheduler"
	"github.com/andresmejia3/camwatch/internal/source"
	"github.com/andresmejia3/camwatch/internal/types"
)

// RunOptions holds flag overrides for the run command.
type RunOptions struct {
	Sources    []string
	Identities []string // name=path
	Interval   int
	Engines    int
	Display    string
	LogLevel   string
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch every camera and show where each identity is",
	Long: `Capture all cameras continuously, verify faces in the background every
N ticks and show one view per identity with the best camera highlighted.
Press q in any window (or Ctrl+C) to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, cfg, runOpts); err != nil {
			return err
		}
		return runMonitor(cmd.Context(), cfg, path)
	},
}

func init() {
	addRunFlags(runCmd, &runOpts)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().StringArrayVarP(&opts.Sources, "source", "s", nil, "Camera origin (device number, path or URL); repeatable, replaces capture.sources")
	cmd.Flags().StringArrayVarP(&opts.Identities, "identity", "i", nil, "Identity as name=reference_image; repeatable, replaces identities")
	cmd.Flags().IntVarP(&opts.Interval, "interval", "n", 30, "Start a matching pass every N ticks")
	cmd.Flags().IntVarP(&opts.Engines, "engines", "e", 1, "Number of parallel verification engines")
	cmd.Flags().StringVarP(&opts.Display, "display", "d", "window", "Display backend: window, http or none")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn or error")
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, opts RunOptions) error {
	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Capture.Sources = opts.Sources
	}
	if flags.Changed("identity") {
		ids, err := parseIdentityFlags(opts.Identities)
		if err != nil {
			return err
		}
		cfg.Identities = ids
	}
	if flags.Changed("interval") {
		cfg.Dispatch.Interval = opts.Interval
	}
	if flags.Changed("engines") {
		cfg.Matching.Engines = opts.Engines
	}
	if flags.Changed("display") {
		cfg.Display.Backend = opts.Display
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.LogLevel
	}
	return cfg.Finalize()
}

func parseIdentityFlags(values []string) ([]config.Identity, error) {
	ids := make([]config.Identity, 0, len(values))
	for _, v := range values {
		name, path, ok := strings.Cut(v, "=")
		name, path = strings.TrimSpace(name), strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid --identity %q: want name=path", v)
		}
		ids = append(ids, config.Identity{Name: name, Reference: path})
	}
	return ids, nil
}

func runMonitor(ctx context.Context, cfg *config.Config, configFile string) error {
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	if configFile != "" {
		logger.Info("config loaded", "path", configFile)
	}

	lock := flock.New(cfg.Runtime.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another camwatch instance is already running (lock %s)", cfg.Runtime.LockFile)
	}
	defer lock.Unlock()

	fmt.Fprintln(os.Stderr, "🚀 Initializing camwatch...")

	reg, err := loadIdentities(cfg, logger)
	if err != nil {
		return err
	}

	orc, closeOracle, err := newOracle(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeOracle()

	pool, err := openSources(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := warmUp(ctx, pool, cfg.Capture.WarmupTimeout.Std()); err != nil {
		return err
	}

	res := resolver.New(orc, reg, resolver.Options{Parallelism: cfg.Matching.Engines, Logger: logger})
	var lastPass passSummary
	sched := scheduler.New(cfg.Dispatch.Interval, func(ctx context.Context, frames types.FrameSet) error {
		report, err := res.Resolve(ctx, frames)
		lastPass.store(report)
		return err
	}, logger)

	_, unpin := pinDisplayThread(cfg.Display.Backend)
	defer unpin()

	sink, err := openSink(cfg, reg, sched, pool, &lastPass, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	mon := monitor.New(pool, sched, reg, display.NewRenderer(cfg.Display.Scale), sink, monitor.Options{
		Tick:          cfg.Dispatch.Tick.Std(),
		ShutdownGrace: cfg.Dispatch.ShutdownGrace.Std(),
		FallbackSize:  fallbackSize(cfg),
		Logger:        logger,
	})
	if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	printSummary(mon.Summary(), sched.Stats(), pool.Stats(), reg.Snapshot())
	return nil
}

// pinDisplayThread locks the calling goroutine to its OS thread when views go
// to desktop windows: highgui must be driven from the thread that created
// them, and the monitor loop runs on this goroutine.
func pinDisplayThread(backend string) (bool, func()) {
	if backend != "window" {
		return false, func() {}
	}
	runtime.LockOSThread()
	return true, runtime.UnlockOSThread
}

func openSink(cfg *config.Config, reg *registry.Registry, sched *scheduler.Scheduler, pool *source.Pool, last *passSummary, logger *slog.Logger) (display.Sink, error) {
	names := make([]string, 0)
	for _, id := range reg.Identities() {
		names = append(names, id.Name)
	}
	switch cfg.Display.Backend {
	case "none":
		return display.Discard{}, nil
	case "http":
		srv := display.NewServer(cfg.Display.HTTPBind, names, func() any {
			return statusDocument(reg, sched, pool, last)
		}, logging.NewComponentLogger(logger, "display"))
		if err := srv.Start(); err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "🖥️  Views at http://%s/\n", cfg.Display.HTTPBind)
		return srv, nil
	default:
		return cv.NewWindows(names), nil
	}
}

func printSummary(mon monitor.Summary, sched scheduler.Stats, sources []source.Stats, entries []registry.Entry) {
	elapsed := time.Duration(0)
	if !mon.Started.IsZero() && !mon.Stopped.IsZero() {
		elapsed = mon.Stopped.Sub(mon.Started).Round(time.Second)
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Stopped after %s: %d ticks (%d without frames), %d passes (%d failed, %d triggers dropped)\n",
		elapsed, mon.Ticks, mon.EmptyTicks, sched.Started, sched.Failed, sched.Dropped)

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		cam, dist := "-", "-"
		if e.Status.Matched {
			cam = fmt.Sprint(e.Status.BestCamera)
			dist = fmt.Sprintf("%.4f", e.Status.BestDistance)
		}
		rows = append(rows, []string{e.Name, fmt.Sprint(e.Status.Matched), cam, dist})
	}
	fmt.Fprintln(os.Stderr, renderTable([]string{"IDENTITY", "MATCHED", "CAMERA", "DISTANCE"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight}))
	fmt.Fprintln(os.Stderr, renderTable(sourceHeaders, sourceRows(sources), sourceAligns))
}
