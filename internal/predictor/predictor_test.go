package predictor

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minimal-api-gpt/internal/dataset"
	"minimal-api-gpt/internal/device"
	"minimal-api-gpt/internal/gpt"
	"minimal-api-gpt/internal/logging"
	"minimal-api-gpt/internal/schema"
	"minimal-api-gpt/internal/tokenizer"
)

func newPredictor(t *testing.T, opts Options, seed int64) (*Predictor, *gpt.Model) {
	t.Helper()
	tok := tokenizer.Default()
	m, err := gpt.New(gpt.Config{NEmbd: 8, NHead: 2, NLayer: 1, BlockSize: 64, VocabSize: tok.VocabSize()}, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	p, err := New(m, tok, opts, rand.New(rand.NewSource(seed)), device.Device{Kind: device.CPU}, logging.Discard())
	require.NoError(t, err)
	return p, m
}

func TestOptionsNormalized(t *testing.T) {
	p, _ := newPredictor(t, Options{Temperature: -1, TopK: 500, MaxLength: 1000}, 1)
	o := p.Options()
	assert.Equal(t, 0.7, o.Temperature)
	assert.Equal(t, 97, o.TopK)
	assert.Equal(t, 64, o.MaxLength)
}

func TestGenerateStaysWithinMaxLength(t *testing.T) {
	p, _ := newPredictor(t, Options{Temperature: 1.5, MaxLength: 40}, 3)
	prompt := dataset.Prompt("draw a red square")
	trace, err := p.Generate(prompt, true)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(trace.Text, prompt))
	assert.LessOrEqual(t, len(trace.Text), 40)
	assert.NotContains(t, trace.Text, tokenizer.EndOfText)
	require.NotEmpty(t, trace.Steps)

	switch trace.StopReason {
	case StopEndOfText:
		assert.Equal(t, tokenizer.EndOfText, trace.Steps[len(trace.Steps)-1].ChosenChar)
	case StopMaxLength:
		assert.Len(t, trace.Text, 40)
	default:
		t.Fatalf("unexpected stop reason %q", trace.StopReason)
	}
	for _, s := range trace.Steps {
		assert.LessOrEqual(t, len(s.TopK), traceTopK)
		assert.True(t, s.RandomU >= s.CumBefore && s.RandomU < s.CumAfter, s.Reason)
		assert.GreaterOrEqual(t, s.ChosenRank, 1)
	}
}

func TestGenerateIsReproducibleForASeed(t *testing.T) {
	a, _ := newPredictor(t, DefaultOptions(), 7)
	b, _ := newPredictor(t, DefaultOptions(), 7)
	ta, err := a.Generate(dataset.Prompt("create blue circle"), false)
	require.NoError(t, err)
	tb, err := b.Generate(dataset.Prompt("create blue circle"), false)
	require.NoError(t, err)
	assert.Equal(t, ta.Text, tb.Text)
	assert.Empty(t, ta.Steps)
}

func TestGenerateWithoutRoom(t *testing.T) {
	p, _ := newPredictor(t, Options{MaxLength: 10}, 1)
	trace, err := p.Generate(dataset.Prompt("write hello at 100,100"), false)
	require.NoError(t, err)
	assert.Equal(t, StopNoRoom, trace.StopReason)
}

func TestPredictUntrainedNeverFails(t *testing.T) {
	p, _ := newPredictor(t, DefaultOptions(), 5)
	for _, cmd := range []string{"draw a red square", "create blue circle", "write hello at 100,100", "", "éé"} {
		d, ok := p.Predict(cmd)
		if !ok {
			assert.Equal(t, dataset.APIDescriptor{}, d)
			continue
		}
		problems, err := schema.Validate(map[string]any{"api": d.API, "params": d.Params})
		require.NoError(t, err)
		assert.Empty(t, problems)
	}
}

func TestPredictRecoversFromPanic(t *testing.T) {
	p, m := newPredictor(t, DefaultOptions(), 5)
	delete(m.State, gpt.TokenEmbedding)

	d, ok, _ := p.PredictWithTrace("draw a red square")
	assert.False(t, ok)
	assert.Equal(t, dataset.APIDescriptor{}, d)
}

func TestNewRejectsVocabMismatch(t *testing.T) {
	m, err := gpt.New(gpt.Config{NEmbd: 4, NHead: 1, NLayer: 1, BlockSize: 8, VocabSize: 5}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	_, err = New(m, tokenizer.Default(), DefaultOptions(), rand.New(rand.NewSource(1)), device.Device{}, logging.Discard())
	assert.Error(t, err)
}

func TestToProbVector(t *testing.T) {
	logits := []float64{1, 3, 2, 0}

	_, probs := toProbVector(logits, Options{Temperature: 1})
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-12)
	assert.Greater(t, probs[1], probs[2])

	_, sharp := toProbVector(logits, Options{Temperature: 0.1})
	assert.Greater(t, sharp[1], probs[1])

	_, top2 := toProbVector(logits, Options{Temperature: 1, TopK: 2})
	assert.Zero(t, top2[0])
	assert.Zero(t, top2[3])
	assert.InDelta(t, 1, top2[1]+top2[2], 1e-12)

	_, degenerate := toProbVector([]float64{math.NaN(), math.NaN()}, Options{Temperature: 1})
	assert.Equal(t, []float64{0.5, 0.5}, degenerate)
}

func TestSampleFromProbVector(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		chosen, u, before, after, p := sampleFromProbVector(rng, []float64{0, 1, 0}, 2)
		require.Equal(t, 1, chosen)
		assert.Equal(t, 1.0, p)
		assert.True(t, u >= before && u < after)
	}
	chosen, _, _, _, _ := sampleFromProbVector(rng, []float64{0, 0}, 1)
	assert.Equal(t, 1, chosen)
}
