package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/camwatch/internal/utils"
	"github.com/andresmejia3/camwatch/internal/worker"
)

// Version is the application version.
const Version = "0.1.0"

// configPath is the --config flag shared by every subcommand.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "camwatch",
	Short: "Multi-camera identity monitor",
	Long: `camwatch watches several live camera streams and shows, for each known
person, the camera that currently sees them best.`,
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Engine startup failures carry the Python traceback.
		var startErr *worker.StartError
		if errors.As(err, &startErr) {
			utils.ShowError("Verification engine failed to start", err, startErr.Cmd)
		} else {
			utils.ShowError(rootCmd.Name()+" failed", err, nil)
		}
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file, TOML or YAML (default ./camwatch.toml or ~/.config/camwatch/config.toml)")
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
