// Package predictor turns a natural-language command into an API
// descriptor by sampling a continuation of the command prompt.
package predictor

import (
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"minimal-api-gpt/internal/autograd"
	"minimal-api-gpt/internal/dataset"
	"minimal-api-gpt/internal/device"
	"minimal-api-gpt/internal/gpt"
	"minimal-api-gpt/internal/tokenizer"
)

// Stop reasons reported in a Trace.
const (
	StopMaxLength = "Reached maximum length"
	StopEndOfText = "Model selected end-of-text token"
	StopNoRoom    = "Prompt fills the maximum length"
)

const traceTopK = 5

// Candidate is one of the most likely tokens at a step.
type Candidate struct {
	Char    string  `json:"char"`
	TokenID int     `json:"token_id"`
	Logit   float64 `json:"logit"`
	Prob    float64 `json:"prob"`
}

// Step explains one sampled position.
type Step struct {
	Position   int         `json:"position"`
	Context    string      `json:"context"`
	TopK       []Candidate `json:"top_k"`
	RandomU    float64     `json:"random_u"`
	ChosenChar string      `json:"chosen_char"`
	ChosenProb float64     `json:"chosen_prob"`
	ChosenRank int         `json:"chosen_rank"`
	CumBefore  float64     `json:"cum_before"`
	CumAfter   float64     `json:"cum_after"`
	Reason     string      `json:"reason"`
}

// Trace is the full record of one generation.
type Trace struct {
	Text       string `json:"text"`
	Steps      []Step `json:"steps"`
	StopReason string `json:"stop_reason"`
}

// Predictor samples API descriptors from a trained model.
type Predictor struct {
	model  *gpt.Model
	tok    *tokenizer.Tokenizer
	opts   Options
	rng    *rand.Rand
	logger logrus.FieldLogger
	device device.Device
}

// New returns a predictor sampling from m with rng.
func New(m *gpt.Model, tok *tokenizer.Tokenizer, opts Options, rng *rand.Rand, dev device.Device, logger logrus.FieldLogger) (*Predictor, error) {
	if tok.VocabSize() != m.Config.VocabSize {
		return nil, fmt.Errorf("tokenizer vocab %d does not match model vocab %d", tok.VocabSize(), m.Config.VocabSize)
	}
	return &Predictor{
		model:  m,
		tok:    tok,
		opts:   opts.normalized(m.Config.VocabSize, m.Config.BlockSize),
		rng:    rng,
		logger: logger,
		device: dev,
	}, nil
}

// Options returns the effective sampling options.
func (p *Predictor) Options() Options { return p.opts }

// Predict generates a continuation for command and extracts the descriptor
// from it. Any failure, including a panic during generation, yields
// ok == false.
func (p *Predictor) Predict(command string) (dataset.APIDescriptor, bool) {
	d, ok, _ := p.predict(command, false)
	return d, ok
}

// PredictWithTrace is Predict that also returns how every token was chosen.
func (p *Predictor) PredictWithTrace(command string) (dataset.APIDescriptor, bool, Trace) {
	return p.predict(command, true)
}

func (p *Predictor) predict(command string, traced bool) (d dataset.APIDescriptor, ok bool, trace Trace) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("command", command).Warnf("Generation panicked: %v", r)
			d, ok = dataset.APIDescriptor{}, false
		}
	}()

	trace, err := p.Generate(dataset.Prompt(command), traced)
	if err != nil {
		p.logger.WithField("command", command).WithError(err).Debug("Generation failed")
		return dataset.APIDescriptor{}, false, trace
	}
	d, ok = dataset.Extract(trace.Text)
	p.logger.WithFields(logrus.Fields{
		"command": command,
		"ok":      ok,
		"stop":    trace.StopReason,
		"device":  p.device.Kind,
	}).Debug("Prediction done")
	return d, ok, trace
}

// Generate samples a continuation of prompt until the end-of-text token or
// the maximum length. The returned text is the decoded prompt plus
// continuation with special tokens dropped. Steps are recorded only when
// traced is set.
func (p *Predictor) Generate(prompt string, traced bool) (Trace, error) {
	ids := p.tok.Encode(prompt)
	if len(ids) == 0 {
		return Trace{}, fmt.Errorf("prompt %q has no known characters", prompt)
	}
	if len(ids) >= p.opts.MaxLength {
		return Trace{Text: p.tok.Decode(ids, true), StopReason: StopNoRoom}, nil
	}

	cache := p.model.NewCache()
	var logits []float64
	for _, id := range ids {
		out, err := p.model.Forward(id, cache)
		if err != nil {
			return Trace{}, err
		}
		logits = autograd.Data(out)
	}

	trace := Trace{StopReason: StopMaxLength}
	eos := p.tok.EOS()
	for len(ids) < p.opts.MaxLength {
		scaled, probs := toProbVector(logits, p.opts)
		next, u, cumBefore, cumAfter, chosenProb := sampleFromProbVector(p.rng, probs, eos)

		if traced {
			trace.Steps = append(trace.Steps, p.explain(len(ids), ids, scaled, probs, next, u, cumBefore, cumAfter, chosenProb))
		}
		if next == eos {
			trace.StopReason = StopEndOfText
			break
		}
		ids = append(ids, next)
		if len(ids) == p.opts.MaxLength {
			break
		}
		out, err := p.model.Forward(next, cache)
		if err != nil {
			return Trace{}, err
		}
		logits = autograd.Data(out)
	}

	trace.Text = p.tok.Decode(ids, true)
	return trace, nil
}

func (p *Predictor) explain(pos int, context []int, scaled, probs []float64, next int, u, cumBefore, cumAfter, chosenProb float64) Step {
	top := topKCandidates(p.tok, scaled, probs, traceTopK)
	rank := len(probs)
	for i, c := range top {
		if c.TokenID == next {
			rank = i + 1
			break
		}
	}
	label := p.tok.Label(next)
	reason := fmt.Sprintf("Chose %q: draw %.4f fell inside cumulative interval [%.4f, %.4f).", label, u, cumBefore, cumAfter)
	if len(top) > 0 && top[0].TokenID != next {
		reason += fmt.Sprintf(" The most likely token was %q at %.4f.", top[0].Char, top[0].Prob)
	}
	return Step{
		Position:   pos,
		Context:    p.tok.Decode(context, true),
		TopK:       top,
		RandomU:    u,
		ChosenChar: label,
		ChosenProb: chosenProb,
		ChosenRank: rank,
		CumBefore:  cumBefore,
		CumAfter:   cumAfter,
		Reason:     reason,
	}
}
