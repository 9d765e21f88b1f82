package trainer

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minimal-api-gpt/internal/checkpoint"
	"minimal-api-gpt/internal/dataset"
	"minimal-api-gpt/internal/device"
	"minimal-api-gpt/internal/gpt"
	"minimal-api-gpt/internal/logging"
	"minimal-api-gpt/internal/tokenizer"
)

func setup(t *testing.T, maxLen int) (*gpt.Model, *dataset.Builder) {
	t.Helper()
	corpus, err := dataset.NewCorpus(
		dataset.TrainingExample{Command: "red", APICall: dataset.APIDescriptor{API: "sq", Params: map[string]any{}}},
		dataset.TrainingExample{Command: "blue", APICall: dataset.APIDescriptor{API: "ci", Params: map[string]any{}}},
		dataset.TrainingExample{Command: "green", APICall: dataset.APIDescriptor{API: "sq", Params: map[string]any{}}},
	)
	require.NoError(t, err)
	tok := tokenizer.Default()
	data, err := dataset.NewBuilder(corpus, tok, maxLen)
	require.NoError(t, err)
	m, err := gpt.New(gpt.Config{NEmbd: 8, NHead: 2, NLayer: 1, BlockSize: 64, VocabSize: tok.VocabSize()}, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	return m, data
}

func TestRunReducesLoss(t *testing.T) {
	m, data := setup(t, 64)
	var reports []EpochReport
	tr, err := New(m, data, Options{
		Epochs:       12,
		BatchSize:    2,
		LearningRate: 0.05,
		WeightDecay:  0.01,
		Device:       device.Device{Kind: device.CPU},
		OnEpoch:      func(r EpochReport) { reports = append(reports, r) },
	}, rand.New(rand.NewSource(1)), logging.Discard())
	require.NoError(t, err)

	res, err := tr.Run()
	require.NoError(t, err)
	assert.Equal(t, 12, res.Epochs)
	// three examples in batches of two
	assert.Equal(t, 24, res.Steps)
	require.Len(t, reports, 12)
	for i, r := range reports {
		assert.Equal(t, i+1, r.Epoch)
		assert.False(t, math.IsNaN(r.Loss) || math.IsInf(r.Loss, 0))
		assert.NotEmpty(t, r.TargetChar)
	}
	assert.Equal(t, reports[11].Loss, res.FinalLoss)
	assert.Less(t, res.FinalLoss, reports[0].Loss)
	// the last target of every example is end-of-text
	assert.Equal(t, tokenizer.EndOfText, reports[11].TargetChar)
}

func TestRunOnDefaultCorpus(t *testing.T) {
	tok := tokenizer.Default()
	data, err := dataset.NewBuilder(dataset.Default(), tok, 128)
	require.NoError(t, err)
	m, err := gpt.New(gpt.Config{NEmbd: 8, NHead: 2, NLayer: 1, BlockSize: 128, VocabSize: tok.VocabSize()}, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	tr, err := New(m, data, Options{Epochs: 2, BatchSize: 4, LearningRate: 0.01, WeightDecay: 0.01}, rand.New(rand.NewSource(1)), logging.Discard())
	require.NoError(t, err)
	res, err := tr.Run()
	require.NoError(t, err)

	assert.Equal(t, 2, res.Epochs)
	// seven examples in batches of four and three
	assert.Equal(t, 4, res.Steps)
	assert.False(t, math.IsNaN(res.FinalLoss) || math.IsInf(res.FinalLoss, 0))
	assert.Greater(t, res.FinalLoss, 0.0)
}

func TestLossIgnoresPaddingAfterEndOfText(t *testing.T) {
	short, data56 := setup(t, 56)
	long, data64 := setup(t, 64)
	rng := rand.New(rand.NewSource(1))

	a, err := New(short, data56, Options{Epochs: 1, BatchSize: 1}, rng, logging.Discard())
	require.NoError(t, err)
	b, err := New(long, data64, Options{Epochs: 1, BatchSize: 1}, rng, logging.Discard())
	require.NoError(t, err)

	for i := 0; i < data56.Len(); i++ {
		la, err := a.exampleLoss(i, &EpochReport{})
		require.NoError(t, err)
		lb, err := b.exampleLoss(i, &EpochReport{})
		require.NoError(t, err)
		assert.InDelta(t, la.Data, lb.Data, 1e-12)
	}
}

func TestTruncatedExampleHasNoEndTarget(t *testing.T) {
	m, data := setup(t, 10)
	report := EpochReport{}
	tr, err := New(m, data, Options{Epochs: 1, BatchSize: 1, LearningRate: 0.01}, rand.New(rand.NewSource(1)), logging.Discard())
	require.NoError(t, err)

	loss, err := tr.exampleLoss(0, &report)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss.Data))
	assert.NotEqual(t, tokenizer.EndOfText, report.TargetChar)
}

func TestNonFiniteLossAborts(t *testing.T) {
	m, data := setup(t, 32)
	m.State[gpt.LMHead][0][0].Data = math.NaN()
	tr, err := New(m, data, Options{Epochs: 3, BatchSize: 2, LearningRate: 0.01}, rand.New(rand.NewSource(1)), logging.Discard())
	require.NoError(t, err)

	_, err = tr.Run()
	assert.ErrorIs(t, err, ErrNonFiniteLoss)
}

func TestNewRejects(t *testing.T) {
	m, data := setup(t, 32)
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		name string
		opts Options
	}{
		{"no epochs", Options{Epochs: 0, BatchSize: 1}},
		{"no batch", Options{Epochs: 1, BatchSize: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(m, data, tt.opts, rng, logging.Discard())
			assert.Error(t, err)
		})
	}

	small, err := gpt.New(gpt.Config{NEmbd: 4, NHead: 1, NLayer: 1, BlockSize: 16, VocabSize: 97}, rng)
	require.NoError(t, err)
	_, err = New(small, data, Options{Epochs: 1, BatchSize: 1}, rng, logging.Discard())
	assert.ErrorContains(t, err, "block size")
}

func TestSaveReportsDirectorySize(t *testing.T) {
	m, data := setup(t, 32)
	dir := filepath.Join(t.TempDir(), "model")
	man, size, err := Save(dir, m, data, Result{Epochs: 2, FinalLoss: 3.5, Device: device.Device{Kind: device.CPU}})
	require.NoError(t, err)
	assert.Equal(t, 2, man.Epochs)

	want, err := checkpoint.DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, want, size)

	loaded, _, err := checkpoint.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Config, loaded.Config)
}
