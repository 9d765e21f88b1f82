package predictor

import (
	"math"
	"math/rand"
	"sort"

	"minimal-api-gpt/internal/tokenizer"
)

// Options controls sampling.
//
// Temperature below 1 sharpens the distribution, above 1 flattens it.
// TopK keeps only the K most likely tokens; 0 disables the filter.
// MaxLength caps the total sequence, prompt included.
type Options struct {
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	MaxLength   int     `json:"max_length"`
}

// DefaultOptions samples at temperature 0.7 up to 128 tokens, without top-k.
func DefaultOptions() Options {
	return Options{Temperature: 0.7, MaxLength: 128}
}

func (o Options) normalized(vocabSize, blockSize int) Options {
	if o.Temperature <= 0 {
		o.Temperature = 0.7
	}
	if o.TopK < 0 {
		o.TopK = 0
	}
	if o.TopK > vocabSize {
		o.TopK = vocabSize
	}
	if o.MaxLength <= 0 || o.MaxLength > blockSize {
		o.MaxLength = blockSize
	}
	return o
}

// toProbVector applies temperature and the optional top-k filter. It
// returns the scaled logits and the final sampling distribution.
func toProbVector(logits []float64, opts Options) ([]float64, []float64) {
	scaled := make([]float64, len(logits))
	maxLogit := math.Inf(-1)
	for i, l := range logits {
		scaled[i] = l / opts.Temperature
		maxLogit = math.Max(maxLogit, scaled[i])
	}

	probs := make([]float64, len(scaled))
	for i, s := range scaled {
		probs[i] = math.Exp(s - maxLogit)
	}

	if opts.TopK > 0 && opts.TopK < len(probs) {
		keep := make([]bool, len(probs))
		for _, idx := range rankByProb(probs)[:opts.TopK] {
			keep[idx] = true
		}
		for i := range probs {
			if !keep[i] {
				probs[i] = 0
			}
		}
	}

	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	if sum > 0 && !math.IsNaN(sum) && !math.IsInf(sum, 0) {
		for i := range probs {
			probs[i] /= sum
		}
	} else {
		uniform := 1.0 / float64(len(probs))
		for i := range probs {
			probs[i] = uniform
		}
	}
	return scaled, probs
}

// sampleFromProbVector picks a token by inverse transform sampling: draw u
// in [0,1) and walk the cumulative distribution until it passes u.
func sampleFromProbVector(rng *rand.Rand, probs []float64, fallback int) (chosen int, u, cumBefore, cumAfter, chosenProb float64) {
	u = rng.Float64()
	chosen = fallback
	cumulative := 0.0
	for idx, p := range probs {
		prev := cumulative
		cumulative += p
		if u < cumulative {
			return idx, u, prev, cumulative, p
		}
	}
	// rounding left u past the last interval
	return chosen, u, 0, cumulative, 0
}

func rankByProb(probs []float64) []int {
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return probs[indices[i]] > probs[indices[j]]
	})
	return indices
}

func topKCandidates(tok *tokenizer.Tokenizer, logits, probs []float64, k int) []Candidate {
	indices := rankByProb(probs)
	if len(indices) > k {
		indices = indices[:k]
	}
	out := make([]Candidate, 0, len(indices))
	for _, idx := range indices {
		out = append(out, Candidate{
			Char:    tok.Label(idx),
			TokenID: idx,
			Logit:   logits[idx],
			Prob:    probs[idx],
		})
	}
	return out
}
