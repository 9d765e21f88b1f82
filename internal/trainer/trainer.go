// Package trainer fits a model to the annotated command corpus with
// teacher forcing and AdamW.
package trainer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"minimal-api-gpt/internal/autograd"
	"minimal-api-gpt/internal/checkpoint"
	"minimal-api-gpt/internal/dataset"
	"minimal-api-gpt/internal/device"
	"minimal-api-gpt/internal/gpt"
)

// ErrNonFiniteLoss aborts a run whose loss became NaN or infinite.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Options controls a training run.
type Options struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	WeightDecay  float64
	Device       device.Device
	// OnEpoch, when set, receives a report after every epoch.
	OnEpoch func(EpochReport)
}

// EpochReport summarizes one epoch. The character fields describe the last
// predicted position of the last example seen, for eyeballing progress.
type EpochReport struct {
	Epoch         int     `json:"epoch"`
	Step          int     `json:"step"`
	Loss          float64 `json:"loss"`
	ContextChar   string  `json:"context_char"`
	TargetChar    string  `json:"target_char"`
	PredictedChar string  `json:"predicted_char"`
	TargetProb    float64 `json:"target_prob"`
	PredictedProb float64 `json:"predicted_prob"`
}

// Result describes a finished run.
type Result struct {
	Epochs    int
	Steps     int
	FinalLoss float64
	Device    device.Device
}

// Trainer fits a model to a dataset with AdamW.
type Trainer struct {
	model  *gpt.Model
	data   *dataset.Builder
	opt    *gpt.AdamW
	rng    *rand.Rand
	logger logrus.FieldLogger
	opts   Options
}

// New checks that data fits model and prepares the optimizer.
func New(m *gpt.Model, data *dataset.Builder, opts Options, rng *rand.Rand, logger logrus.FieldLogger) (*Trainer, error) {
	if opts.Epochs < 1 {
		return nil, fmt.Errorf("epochs must be positive, got %d", opts.Epochs)
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if v := data.Tokenizer().VocabSize(); v != m.Config.VocabSize {
		return nil, fmt.Errorf("tokenizer vocab %d does not match model vocab %d", v, m.Config.VocabSize)
	}
	if data.MaxLen() > m.Config.BlockSize {
		return nil, fmt.Errorf("max length %d exceeds block size %d", data.MaxLen(), m.Config.BlockSize)
	}
	return &Trainer{
		model:  m,
		data:   data,
		opt:    gpt.NewAdamW(m.Params, opts.LearningRate, opts.WeightDecay),
		rng:    rng,
		logger: logger,
		opts:   opts,
	}, nil
}

// Run trains for exactly opts.Epochs epochs.
func (t *Trainer) Run() (Result, error) {
	t.logger.WithFields(logrus.Fields{
		"examples": t.data.Len(),
		"params":   t.model.NumParams(),
		"device":   t.opts.Device.Kind,
	}).Info("Starting training")

	res := Result{Device: t.opts.Device}
	for epoch := 1; epoch <= t.opts.Epochs; epoch++ {
		batches := t.data.Batches(t.rng, t.opts.BatchSize)
		report := EpochReport{Epoch: epoch}
		total := 0.0
		for _, batch := range batches {
			loss, err := t.step(batch, &report)
			if err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			total += loss
		}
		report.Step = t.opt.Steps()
		report.Loss = total / float64(len(batches))

		t.logger.Infof("Epoch %d, Average Loss: %.4f", epoch, report.Loss)
		if t.opts.OnEpoch != nil {
			t.opts.OnEpoch(report)
		}
		res.Epochs = epoch
		res.FinalLoss = report.Loss
	}
	res.Steps = t.opt.Steps()
	return res, nil
}

// step accumulates gradients over batch, averages them and applies one
// optimizer update. It returns the mean example loss.
func (t *Trainer) step(batch []int, report *EpochReport) (float64, error) {
	t.opt.ZeroGrad()
	batchLoss := 0.0
	for _, i := range batch {
		loss, err := t.exampleLoss(i, report)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(loss.Data) || math.IsInf(loss.Data, 0) {
			return 0, fmt.Errorf("example %d: %w", i, ErrNonFiniteLoss)
		}
		loss.Backward()
		batchLoss += loss.Data
	}

	scale := 1.0 / float64(len(batch))
	for _, p := range t.model.Params {
		p.Grad *= scale
	}
	t.opt.Step()

	mean := batchLoss * scale
	t.logger.WithFields(logrus.Fields{"step": t.opt.Steps(), "loss": mean}).Debug("Step done")
	return mean, nil
}

// exampleLoss runs example i through the model with teacher forcing. The
// targets are every real token after the first plus the end-of-text token
// that follows them. The remaining padding is ignored, so unlike scoring
// every padded position the loss does not depend on the max length.
func (t *Trainer) exampleLoss(i int, report *EpochReport) (*autograd.Value, error) {
	enc := t.data.Encode(i)
	n := enc.Real()
	if n >= len(enc.IDs) {
		n = len(enc.IDs) - 1
	}
	if n < 1 {
		return nil, fmt.Errorf("example %d encodes to %d tokens", i, enc.Real())
	}

	tok := t.data.Tokenizer()
	cache := t.model.NewCache()
	losses := make([]*autograd.Value, 0, n)
	for pos := 0; pos < n; pos++ {
		logits, err := t.model.Forward(enc.IDs[pos], cache)
		if err != nil {
			return nil, err
		}
		target := enc.IDs[pos+1]
		losses = append(losses, gpt.CrossEntropy(logits, target))

		if pos == n-1 {
			probs := softmax(autograd.Data(logits))
			best := argmax(probs)
			report.ContextChar = tok.Label(enc.IDs[pos])
			report.TargetChar = tok.Label(target)
			report.PredictedChar = tok.Label(best)
			report.TargetProb = probs[target]
			report.PredictedProb = probs[best]
		}
	}
	return autograd.Sum(losses).Scale(1.0 / float64(n)), nil
}

// Save persists the trained model and tokenizer to dir and returns the
// manifest and the total size of the directory.
func Save(dir string, m *gpt.Model, data *dataset.Builder, res Result) (checkpoint.Manifest, int64, error) {
	man, err := checkpoint.Save(dir, m, data.Tokenizer(), checkpoint.RunInfo{
		Epochs:    res.Epochs,
		FinalLoss: res.FinalLoss,
		Device:    res.Device,
	})
	if err != nil {
		return man, 0, fmt.Errorf("save model: %w", err)
	}
	size, err := checkpoint.DirSize(dir)
	if err != nil {
		return man, 0, fmt.Errorf("measure model dir: %w", err)
	}
	return man, size, nil
}

func softmax(logits []float64) []float64 {
	maxVal := math.Inf(-1)
	for _, l := range logits {
		maxVal = math.Max(maxVal, l)
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		out[i] = math.Exp(l - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}
