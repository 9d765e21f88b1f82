// Package cli holds the startup shared by the command binaries: config
// flags, logger and device resolution, and error reporting on exit.
package cli

import (
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"minimal-api-gpt/internal/config"
	"minimal-api-gpt/internal/device"
	"minimal-api-gpt/internal/logging"
)

// Flags are the options every binary accepts.
type Flags struct {
	ConfigFile string
	EnvFile    string
	LogLevel   string
	Device     string
}

// Register adds the shared flags to cmd.
func (f *Flags) Register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.ConfigFile, "config", "c", "", "config file (default ./"+config.DefaultFile+" when present)")
	cmd.Flags().StringVar(&f.EnvFile, "env-file", ".env", "dotenv file read when present")
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "", "override log level")
	cmd.Flags().StringVar(&f.Device, "device", "", "override device: auto, accelerator or cpu")
}

// Env is what a command needs after startup.
type Env struct {
	Config config.Config
	Logger *logrus.Logger
	Device device.Device
}

// Setup loads the config, applies the shared flag overrides and any
// command-specific ones in override, validates the result, then builds the
// logger and resolves the device.
func (f *Flags) Setup(cmd *cobra.Command, override func(*config.Config)) (Env, error) {
	cfg, err := config.Load(f.ConfigFile, f.EnvFile)
	if err != nil {
		return Env{}, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = f.LogLevel
	}
	if cmd.Flags().Changed("device") {
		cfg.Device = f.Device
	}
	if override != nil {
		override(&cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return Env{}, err
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return Env{}, err
	}
	dev, err := device.Resolve(cfg.Device)
	if err != nil {
		return Env{}, err
	}
	logger.WithField("requested", dev.Requested).Infof("Using device: %s", dev)
	return Env{Config: cfg, Logger: logger, Device: dev}, nil
}

// Execute runs root and exits non-zero on failure.
func Execute(root *cobra.Command) {
	root.SilenceUsage = true
	root.SilenceErrors = true
	if err := root.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
