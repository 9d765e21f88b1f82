package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug"})
	require.NoError(t, err)
	logger.SetOutput(&buf)

	logger.WithFields(logrus.Fields{"loss": 1.5, "epoch": 3}).Info("epoch done")
	logger.Debug("details")
	logger.Warn("careful")

	assert.Equal(t, "[INF] epoch done epoch=3 loss=1.5\n[DBG] details\n[WRN] careful\n", buf.String())
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.ErrorContains(t, err, "log level")
}

func TestNewWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "train.log")
	logger, err := New(Options{File: path})
	require.NoError(t, err)

	logger.Info("hello file")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "[INF] hello file")
}

func TestRotatorSettings(t *testing.T) {
	r := rotator(Options{File: "run.log", MaxSizeMB: 4, MaxBackups: 2})
	assert.Equal(t, "run.log", r.Filename)
	assert.Equal(t, 4, r.MaxSize)
	assert.Equal(t, 2, r.MaxBackups)

	assert.Equal(t, 10, rotator(Options{File: "run.log"}).MaxSize)
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard().Info("nothing") })
}
