package gpt

import (
	"fmt"
	"math"

	"minimal-api-gpt/internal/autograd"
)

// Cache holds per-layer keys and values for every position processed so far.
// A fresh cache starts a new sequence.
type Cache struct {
	keys   [][][]*autograd.Value
	values [][][]*autograd.Value
}

// NewCache returns an empty KV cache for m.
func (m *Model) NewCache() *Cache {
	return &Cache{
		keys:   make([][][]*autograd.Value, m.Config.NLayer),
		values: make([][][]*autograd.Value, m.Config.NLayer),
	}
}

// Len is the number of positions already in the cache.
func (c *Cache) Len() int {
	if len(c.keys) == 0 {
		return 0
	}
	return len(c.keys[0])
}

// Forward runs one autoregressive step: it consumes the token at the next
// position of cache and returns logits for the token after it.
func (m *Model) Forward(tokenID int, cache *Cache) ([]*autograd.Value, error) {
	posID := cache.Len()
	if tokenID < 0 || tokenID >= m.Config.VocabSize {
		return nil, fmt.Errorf("token id %d out of range [0,%d)", tokenID, m.Config.VocabSize)
	}
	if posID >= m.Config.BlockSize {
		return nil, fmt.Errorf("position %d exceeds block size %d", posID, m.Config.BlockSize)
	}

	tokEmb := m.State[TokenEmbedding][tokenID]
	posEmb := m.State[PositionEmbedding][posID]
	x := make([]*autograd.Value, m.Config.NEmbd)
	for i := range x {
		x[i] = tokEmb[i].Add(posEmb[i])
	}
	x = RMSNorm(x)

	headDim := m.Config.HeadDim()
	invSqrt := 1.0 / math.Sqrt(float64(headDim))

	for li := 0; li < m.Config.NLayer; li++ {
		// attention
		xResidual := x
		x = RMSNorm(x)

		q := Linear(x, m.State[LayerWeight(li, "attn_wq")])
		k := Linear(x, m.State[LayerWeight(li, "attn_wk")])
		v := Linear(x, m.State[LayerWeight(li, "attn_wv")])
		cache.keys[li] = append(cache.keys[li], k)
		cache.values[li] = append(cache.values[li], v)
		keys, values := cache.keys[li], cache.values[li]

		xAttn := make([]*autograd.Value, 0, m.Config.NEmbd)
		for h := 0; h < m.Config.NHead; h++ {
			hs := h * headDim
			qH := q[hs : hs+headDim]

			attnLogits := make([]*autograd.Value, len(keys))
			for t := range keys {
				attnLogits[t] = autograd.Dot(qH, keys[t][hs:hs+headDim]).Scale(invSqrt)
			}
			attnWeights := Softmax(attnLogits)

			column := make([]*autograd.Value, len(values))
			for j := 0; j < headDim; j++ {
				for t := range values {
					column[t] = values[t][hs+j]
				}
				xAttn = append(xAttn, autograd.Dot(attnWeights, column))
			}
		}

		x = Linear(xAttn, m.State[LayerWeight(li, "attn_wo")])
		for i := range x {
			x[i] = x[i].Add(xResidual[i])
		}

		// mlp
		xResidual = x
		x = RMSNorm(x)
		x = Linear(x, m.State[LayerWeight(li, "mlp_fc1")])
		for i := range x {
			x[i] = x[i].Relu()
		}
		x = Linear(x, m.State[LayerWeight(li, "mlp_fc2")])
		for i := range x {
			x[i] = x[i].Add(xResidual[i])
		}
	}

	return Linear(x, m.State[LMHead]), nil
}

// CrossEntropy is -log softmax(logits)[target], computed as
// logsumexp(logits) - logits[target] so a vanishing probability does not
// turn into log(0).
func CrossEntropy(logits []*autograd.Value, target int) *autograd.Value {
	maxVal := -math.MaxFloat64
	for _, l := range logits {
		if l.Data > maxVal {
			maxVal = l.Data
		}
	}
	exps := make([]*autograd.Value, len(logits))
	for i, l := range logits {
		exps[i] = l.AddConst(-maxVal).Exp()
	}
	lse := autograd.Sum(exps).Log()
	return lse.Add(logits[target].AddConst(-maxVal).Neg())
}

// Logits runs a whole sequence through the model and returns the raw logits
// at every position. No gradients are kept by the caller.
func (m *Model) Logits(tokens []int) ([][]float64, error) {
	cache := m.NewCache()
	out := make([][]float64, 0, len(tokens))
	for _, tok := range tokens {
		logits, err := m.Forward(tok, cache)
		if err != nil {
			return nil, err
		}
		out = append(out, autograd.Data(logits))
	}
	return out, nil
}
