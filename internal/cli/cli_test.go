package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minimal-api-gpt/internal/config"
	"minimal-api-gpt/internal/device"
)

func parsed(t *testing.T, args ...string) (*cobra.Command, *Flags) {
	t.Helper()
	var f Flags
	cmd := &cobra.Command{Use: "test"}
	f.Register(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, &f
}

func TestSetupAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apigpt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("train:\n  epochs: 3\n"), 0o644))

	cmd, f := parsed(t, "--config", path, "--env-file", filepath.Join(dir, "none.env"), "--device", "cpu", "--log-level", "debug")
	env, err := f.Setup(cmd, func(c *config.Config) { c.Train.BatchSize = 2 })
	require.NoError(t, err)

	assert.Equal(t, 3, env.Config.Train.Epochs)
	assert.Equal(t, 2, env.Config.Train.BatchSize)
	assert.Equal(t, device.CPU, env.Device.Kind)
	assert.Equal(t, logrus.DebugLevel, env.Logger.GetLevel())
}

func TestSetupRevalidatesOverrides(t *testing.T) {
	cmd, f := parsed(t, "--env-file", filepath.Join(t.TempDir(), "none.env"))
	_, err := f.Setup(cmd, func(c *config.Config) { c.Train.Epochs = 0 })
	assert.ErrorContains(t, err, "invalid config")
}

func TestSetupOverrideFixesInvalidEnvironment(t *testing.T) {
	t.Setenv("APIGPT_EPOCHS", "0")
	cmd, f := parsed(t, "--env-file", filepath.Join(t.TempDir(), "none.env"), "--device", "cpu")

	_, err := f.Setup(cmd, nil)
	assert.ErrorContains(t, err, "invalid config")

	env, err := f.Setup(cmd, func(c *config.Config) { c.Train.Epochs = 5 })
	require.NoError(t, err)
	assert.Equal(t, 5, env.Config.Train.Epochs)
}

func TestSetupPassesLogRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apigpt.yaml")
	logFile := filepath.Join(dir, "logs", "run.log")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  file: "+logFile+"\n  max_size_mb: 1\n  max_backups: 2\n"), 0o644))

	cmd, f := parsed(t, "--config", path, "--env-file", filepath.Join(dir, "none.env"), "--device", "cpu")
	env, err := f.Setup(cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Config.Log.MaxSizeMB)
	assert.Equal(t, 2, env.Config.Log.MaxBackups)

	env.Logger.Info("rotated")
	raw, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "[INF] rotated")
}

func TestSetupRejectsUnknownDevice(t *testing.T) {
	cmd, f := parsed(t, "--env-file", filepath.Join(t.TempDir(), "none.env"), "--device", "tpu")
	_, err := f.Setup(cmd, nil)
	assert.Error(t, err)
}
