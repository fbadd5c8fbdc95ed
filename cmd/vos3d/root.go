package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vos3d/internal/config"
	"vos3d/internal/logging"
)

var (
	cfg      *config.Config
	networks map[string]string
	logger   zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:               "vos3d",
	Short:             "3D ResNet video object segmentation models.",
	SilenceUsage:      true,
	PersistentPreRunE: rootPreRun,
}

func init() {
	rootCmd.PersistentFlags().String("config", "configs/demo.yaml", "path to YAML config")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("networks", "", "TOML file mapping network names to architectures")

	rootCmd.AddCommand(evalCmd, inspectCmd, lrPlanCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootPreRun(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return err
	}
	level, err := flags.GetString("log-level")
	if err != nil {
		return err
	}
	networksFile, err := flags.GetString("networks")
	if err != nil {
		return err
	}

	logger = logging.NewRuntime("vos3d")
	if level != "" {
		lvl, ok := logging.ParseLevel(level)
		if !ok {
			return fmt.Errorf("unknown log level %q", level)
		}
		logger = logger.Level(lvl)
	}

	cfg, err = config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if networksFile == "" {
		networksFile = cfg.NetworksFile
	}
	networks, err = config.LoadNetworks(networksFile)
	if err != nil {
		return err
	}
	logger.Debug().Str("config", path).Str("networks", networksFile).Msg("configuration loaded")
	return nil
}
