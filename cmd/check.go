package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/camwatch/internal/config"
	"github.com/andresmejia3/camwatch/internal/oracle"
	"github.com/andresmejia3/camwatch/internal/source"
	"github.com/andresmejia3/camwatch/internal/types"
)

type checkOptions struct {
	Ticks  int
	Verify bool
}

var checkOpts checkOptions

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test camera connectivity and, optionally, face verification",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Finalize(); err != nil {
			return err
		}
		return runCheck(cmd.Context(), cfg, checkOpts)
	},
}

func init() {
	checkCmd.Flags().IntVar(&checkOpts.Ticks, "ticks", 30, "Capture ticks to sample after warm-up")
	checkCmd.Flags().BoolVar(&checkOpts.Verify, "verify", false, "Verify every identity against every camera once")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(ctx context.Context, cfg *config.Config, opts checkOptions) error {
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	pool, err := openSources(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := warmUp(ctx, pool, cfg.Capture.WarmupTimeout.Std()); err != nil {
		fmt.Fprintln(os.Stderr, renderTable(sourceHeaders, sourceRows(pool.Stats()), sourceAligns))
		return err
	}

	latest := sample(ctx, pool, opts.Ticks, cfg.Dispatch.Tick.Std())
	fmt.Println(renderTable(sourceHeaders, sourceRows(pool.Stats()), sourceAligns))

	if !opts.Verify {
		return nil
	}

	reg, err := loadIdentities(cfg, logger)
	if err != nil {
		return err
	}
	orc, closeOracle, err := newOracle(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeOracle()

	fmt.Println(verifyMatrix(ctx, orc, reg.Identities(), latest))
	return nil
}

// sample polls the pool for ticks and keeps the newest frame per camera.
func sample(ctx context.Context, pool *source.Pool, ticks int, period time.Duration) types.FrameSet {
	latest := types.FrameSet{}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for i := 0; i < ticks; i++ {
		for idx, f := range pool.CaptureAll() {
			latest[idx] = f
		}
		select {
		case <-ctx.Done():
			return latest
		case <-ticker.C:
		}
	}
	return latest
}

// verifyMatrix asks the oracle about every identity/camera pair.
func verifyMatrix(ctx context.Context, orc oracle.Oracle, ids []types.Identity, frames types.FrameSet) string {
	cams := frames.Indices()
	headers := []string{"IDENTITY"}
	aligns := []columnAlignment{alignLeft}
	for _, c := range cams {
		headers = append(headers, fmt.Sprintf("CAM %d", c))
		aligns = append(aligns, alignRight)
	}

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		row := []string{id.Name}
		for _, c := range cams {
			res, err := orc.Verify(ctx, frames[c].JPEG, id.Reference)
			row = append(row, formatResult(res, err))
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, aligns)
}

func formatResult(res oracle.Result, err error) string {
	if err != nil {
		return "error"
	}
	switch res.Outcome {
	case oracle.Verified:
		return fmt.Sprintf("✔ %.4f", res.Distance)
	case oracle.NotVerified:
		return fmt.Sprintf("✘ %.4f", res.Distance)
	default:
		return "no face"
	}
}
