// Package exporter converts a trained model into a standalone ONNX file.
package exporter

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"minimal-api-gpt/internal/gpt"
)

// ErrInvalidDummy is returned when the sample input cannot drive the model.
var ErrInvalidDummy = errors.New("invalid dummy input")

// DummyInput draws a [batch, seq] block of token ids uniformly from the
// vocabulary.
func DummyInput(rng *rand.Rand, vocabSize, batch, seq int) [][]int64 {
	out := make([][]int64, batch)
	for i := range out {
		out[i] = make([]int64, seq)
		for j := range out[i] {
			out[i][j] = rng.Int63n(int64(vocabSize))
		}
	}
	return out
}

// Export checks dummy against m, runs its first row through the model once,
// then writes the ONNX graph to path. It returns the size of the file.
func Export(m *gpt.Model, dummy [][]int64, path string, logger logrus.FieldLogger) (int64, error) {
	if err := validateDummy(m.Config, dummy); err != nil {
		return 0, err
	}
	if err := traceCheck(m, dummy[0]); err != nil {
		return 0, err
	}
	logger.WithFields(logrus.Fields{
		"batch":    len(dummy),
		"sequence": len(dummy[0]),
	}).Debug("Trace check passed")

	model, err := Build(m)
	if err != nil {
		return 0, fmt.Errorf("build graph: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create output dir: %w", err)
		}
	}
	size, err := model.WriteFile(path)
	if err != nil {
		return 0, err
	}
	logger.WithFields(logrus.Fields{
		"nodes":        len(model.Graph.Nodes),
		"initializers": len(model.Graph.Initializers),
	}).Infof("Model exported to %s", path)
	return size, nil
}

func validateDummy(c gpt.Config, dummy [][]int64) error {
	if len(dummy) == 0 || len(dummy[0]) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidDummy)
	}
	seq := len(dummy[0])
	if seq > c.BlockSize {
		return fmt.Errorf("%w: sequence %d exceeds block size %d", ErrInvalidDummy, seq, c.BlockSize)
	}
	for i, row := range dummy {
		if len(row) != seq {
			return fmt.Errorf("%w: row %d has %d ids, want %d", ErrInvalidDummy, i, len(row), seq)
		}
		for j, id := range row {
			if id < 0 || id >= int64(c.VocabSize) {
				return fmt.Errorf("%w: id %d at [%d,%d] outside [0,%d)", ErrInvalidDummy, id, i, j, c.VocabSize)
			}
		}
	}
	return nil
}

func traceCheck(m *gpt.Model, row []int64) error {
	ids := make([]int, len(row))
	for i, id := range row {
		ids[i] = int(id)
	}
	logits, err := m.Logits(ids)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	if len(logits) != len(ids) {
		return fmt.Errorf("trace: %d logit rows for %d positions", len(logits), len(ids))
	}
	for p, l := range logits {
		if len(l) != m.Config.VocabSize {
			return fmt.Errorf("trace: position %d has %d logits, want %d", p, len(l), m.Config.VocabSize)
		}
		for _, v := range l {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("trace: non-finite logit at position %d", p)
			}
		}
	}
	return nil
}
