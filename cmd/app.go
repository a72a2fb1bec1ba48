package cmd

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/camwatch/internal/config"
	"github.com/andresmejia3/camwatch/internal/cv"
	"github.com/andresmejia3/camwatch/internal/logging"
	"github.com/andresmejia3/camwatch/internal/oracle"
	"github.com/andresmejia3/camwatch/internal/registry"
	"github.com/andresmejia3/camwatch/internal/source"
	"github.com/andresmejia3/camwatch/internal/types"
	"github.com/andresmejia3/camwatch/internal/worker"
)

// loadConfig reads the config file and environment. Validation is left to
// the caller so flag overrides can complete an otherwise invalid file.
func loadConfig() (*config.Config, string, error) {
	cfg, path, exists, err := config.Read(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if !exists {
		path = ""
	}
	return cfg, path, nil
}

// newLogger builds the configured logger; callers defer the returned close.
func newLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
}

func loadIdentities(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	refs := make([]registry.Reference, len(cfg.Identities))
	for i, id := range cfg.Identities {
		refs[i] = registry.Reference{Name: id.Name, Path: id.Reference}
	}
	ids, err := registry.LoadIdentities(refs, logging.NewComponentLogger(logger, "registry"))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		fmt.Fprintf(os.Stderr, "👤 Loaded: %s\n", id.Name)
	}
	return registry.New(ids, cfg.Matching.WorstDistance)
}

// newOracle builds the configured verification backend. The returned close
// function releases engines and is safe to call once.
func newOracle(ctx context.Context, cfg *config.Config, logger *slog.Logger) (oracle.Oracle, func(), error) {
	model := oracle.Model{Name: cfg.Matching.Model, Detector: cfg.Matching.Detector}
	switch cfg.Matching.Backend {
	case "http":
		fmt.Fprintf(os.Stderr, "🌐 Using DeepFace API at %s\n", cfg.Matching.HTTPURL)
		return oracle.NewHTTPClient(cfg.Matching.HTTPURL, model, cfg.Matching.RequestTimeout.Std()), func() {}, nil
	default:
		fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Verification Engines (%s)...\n", cfg.Matching.Engines, model.Name)
		spawn := oracle.PythonSpawner(worker.Config{
			Python:      cfg.Matching.Python,
			Script:      cfg.Matching.WorkerScript,
			Model:       model.Name,
			Detector:    model.Detector,
			ReadTimeout: cfg.Matching.RequestTimeout.Std(),
		})
		pool, err := oracle.NewEnginePool(ctx, cfg.Matching.Engines, spawn, logging.NewComponentLogger(logger, "oracle"))
		if err != nil {
			return nil, nil, err
		}
		fmt.Fprintln(os.Stderr, "✅ Model Ready.")
		return pool, pool.Close, nil
	}
}

// openSources starts one reader per configured origin. Camera index is the
// position in capture.sources.
func openSources(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*source.Pool, error) {
	sources := make([]source.Source, 0, len(cfg.Capture.Sources))
	for i, origin := range cfg.Capture.Sources {
		cam := types.CameraSource{Index: i, Origin: origin}
		switch cfg.Capture.Backend {
		case "opencv":
			sources = append(sources, cv.NewCaptureSource(ctx, cam, cv.CaptureOptions{
				Width:       cfg.Capture.Width,
				Height:      cfg.Capture.Height,
				MaxFrameAge: cfg.Capture.MaxFrameAge.Std(),
				Logger:      logger,
			}))
		default:
			sources = append(sources, source.NewFFmpegSource(ctx, cam, source.FFmpegOptions{
				Width:       cfg.Capture.Width,
				Height:      cfg.Capture.Height,
				MaxFrameAge: cfg.Capture.MaxFrameAge.Std(),
				Logger:      logger,
			}))
		}
	}
	return source.NewPool(sources, logger)
}

// warmUp waits for cameras to deliver a first frame, with a progress bar on
// terminals. Having no camera at all ready is fatal.
func warmUp(ctx context.Context, pool *source.Pool, timeout time.Duration) error {
	bar := progressbar.NewOptions(pool.Len(),
		progressbar.OptionSetDescription("📷 Connecting cameras"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(isatty.IsTerminal(os.Stderr.Fd())),
		progressbar.OptionClearOnFinish(),
	)
	ready := pool.WaitReady(ctx, timeout, func(source.Stats) { bar.Add(1) })
	bar.Finish()
	if ready == 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: no camera delivered a frame within %s", source.ErrNoSources, timeout)
	}
	fmt.Fprintf(os.Stderr, "📷 %d/%d cameras online\n", ready, pool.Len())
	return nil
}

func fallbackSize(cfg *config.Config) image.Point {
	return image.Pt(cfg.Capture.Width, cfg.Capture.Height)
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// sourceRows formats per-camera counters for tables.
func sourceRows(stats []source.Stats) [][]string {
	rows := make([][]string, 0, len(stats))
	for _, st := range stats {
		state := "down"
		if st.Up {
			state = "up"
		}
		last := "-"
		if !st.LastFrame.IsZero() {
			last = st.LastFrame.Format("15:04:05")
		}
		rows = append(rows, []string{
			fmt.Sprint(st.Index), st.Origin, state,
			fmt.Sprint(st.Received), fmt.Sprint(st.Overwritten), fmt.Sprint(st.Restarts),
			last, st.LastError,
		})
	}
	return rows
}

var sourceHeaders = []string{"CAM", "ORIGIN", "STATE", "FRAMES", "DROPPED", "RESTARTS", "LAST FRAME", "LAST ERROR"}
var sourceAligns = []columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft}
