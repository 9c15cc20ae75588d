// Package main provides the entry point for the sfm-refiner command.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sfm-refiner/internal/bundle"
	"sfm-refiner/internal/config"
	"sfm-refiner/internal/logging"
	"sfm-refiner/internal/metrics"
	"sfm-refiner/internal/project"
	"sfm-refiner/internal/version"
)

const appName = "sfm-refiner"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "Bundle adjustment for structure from motion scenes",
		SilenceUsage: true,
	}
	root.AddCommand(newAdjustCommand(), newConfigCommand(), newVersionCommand())
	return root
}

func newAdjustCommand() *cobra.Command {
	var input, output, configPath string
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Refine the poses, intrinsics and structure of a scene file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if output == "" {
				output = input
			}
			return runAdjust(cfg, input, output)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "input scene file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output scene file (default: overwrite the input)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	_ = cmd.MarkFlagRequired("input")
	config.BindFlags(cmd.Flags())
	return cmd
}

func runAdjust(cfg config.Config, input, output string) error {
	logger := logging.New(cfg.Solver.Verbose)
	defer func() { _ = logger.Sync() }()

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	file, err := project.Load(input)
	if err != nil {
		return errors.Wrapf(err, "load %s", input)
	}
	scene, err := file.Scene()
	if err != nil {
		return errors.Wrapf(err, "load %s", input)
	}
	logger.Debug("scene loaded",
		zap.String("path", input),
		zap.String("image_root", file.GetImageRoot(input)),
		zap.Int("views", len(scene.Views)),
		zap.Int("landmarks", len(scene.Structure)))

	registry := prometheus.NewRegistry()
	adjuster := bundle.New(cfg.SolverOptions(), logger)
	adjuster.SetMetrics(metrics.New(registry))

	report, err := adjuster.Run(scene, opts)
	if cfg.Metrics.Textfile != "" {
		if werr := metrics.WriteTextfile(registry, cfg.Metrics.Textfile); werr != nil {
			logger.Warn("failed to write metrics", zap.String("path", cfg.Metrics.Textfile), zap.Error(werr))
		}
	}
	if err != nil {
		logger.Error("bundle adjustment failed", zap.String("input", input), zap.Error(err))
		return err
	}
	logger.Info("bundle adjustment done",
		zap.String("termination", report.Summary.Termination.String()),
		zap.Float64("initial_rmse", report.Summary.InitialRMSE()),
		zap.Float64("final_rmse", report.Summary.FinalRMSE()),
		zap.Bool("motion_prior", report.UsedMotionPrior),
		zap.Duration("elapsed", report.Duration))

	if err := file.RelocateRoot(input, output); err != nil {
		return err
	}
	scene.RootPath = file.RootPath
	if err := project.SaveScene(output, scene); err != nil {
		return errors.Wrapf(err, "save %s", output)
	}
	logger.Info("scene written", zap.String("path", output), zap.String("image_root", file.GetImageRoot(output)))
	return nil
}

func newConfigCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return cfg.WriteYAML(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	config.BindFlags(cmd.Flags())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String(appName))
		},
	}
}
