// Package gpt is a miniature decoder-only transformer built on the scalar
// autograd engine: token and position embeddings, RMSNorm, multi-head causal
// self-attention with a KV cache, a ReLU MLP and a linear LM head.
package gpt

import (
	"fmt"
	"math"
	"math/rand"

	"minimal-api-gpt/internal/autograd"
)

// Config holds the architecture hyperparameters.
//
// - NEmbd: size of each token vector
// - NHead: number of attention heads, NEmbd must be divisible by it
// - NLayer: number of stacked transformer blocks
// - BlockSize: maximum sequence length (number of learned positions)
// - VocabSize: number of token ids the embedding and LM head cover
type Config struct {
	NEmbd     int `json:"n_embd"`
	NHead     int `json:"n_head"`
	NLayer    int `json:"n_layer"`
	BlockSize int `json:"block_size"`
	VocabSize int `json:"vocab_size"`
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	switch {
	case c.NEmbd <= 0, c.NHead <= 0, c.NLayer <= 0, c.BlockSize <= 0, c.VocabSize <= 0:
		return fmt.Errorf("gpt config: all dimensions must be positive: %+v", c)
	case c.NEmbd%c.NHead != 0:
		return fmt.Errorf("gpt config: n_embd %d is not divisible by n_head %d", c.NEmbd, c.NHead)
	}
	return nil
}

// HeadDim is the width of one attention head.
func (c Config) HeadDim() int { return c.NEmbd / c.NHead }

// Matrix is a weight matrix stored row-major as [out][in].
type Matrix [][]*autograd.Value

// Rows and Cols report the matrix shape.
func (m Matrix) Rows() int { return len(m) }

func (m Matrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Model stores all trainable parameters.
//
// Params is flat so the optimizer can walk it; State keeps the same values
// grouped into named matrices, and Names fixes the order those matrices are
// created, saved and exported in.
type Model struct {
	Config Config
	Params []*autograd.Value
	State  map[string]Matrix
	Names  []string
}

// Weight names. Per-layer names are formatted with the layer index.
const (
	TokenEmbedding    = "wte"
	PositionEmbedding = "wpe"
	LMHead            = "lm_head"
)

// LayerWeight returns the name of one per-layer matrix, e.g. "layer0.attn_wq".
func LayerWeight(layer int, name string) string {
	return fmt.Sprintf("layer%d.%s", layer, name)
}

// Shape names one weight matrix and its dimensions.
type Shape struct {
	Name       string
	Rows, Cols int
}

// Shapes lists every weight matrix of a model with config c, in creation order.
func Shapes(c Config) []Shape {
	out := []Shape{
		{TokenEmbedding, c.VocabSize, c.NEmbd},
		{PositionEmbedding, c.BlockSize, c.NEmbd},
		{LMHead, c.VocabSize, c.NEmbd},
	}
	for i := 0; i < c.NLayer; i++ {
		out = append(out,
			Shape{LayerWeight(i, "attn_wq"), c.NEmbd, c.NEmbd},
			Shape{LayerWeight(i, "attn_wk"), c.NEmbd, c.NEmbd},
			Shape{LayerWeight(i, "attn_wv"), c.NEmbd, c.NEmbd},
			Shape{LayerWeight(i, "attn_wo"), c.NEmbd, c.NEmbd},
			Shape{LayerWeight(i, "mlp_fc1"), 4 * c.NEmbd, c.NEmbd},
			Shape{LayerWeight(i, "mlp_fc2"), c.NEmbd, 4 * c.NEmbd},
		)
	}
	return out
}

// New initializes every weight from N(0, 0.02^2) using rng.
func New(config Config, rng *rand.Rand) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return build(config, func() float64 { return rng.NormFloat64() * 0.02 }), nil
}

// Empty allocates a zero-valued model, ready to have weights loaded into it.
func Empty(config Config) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return build(config, func() float64 { return 0 }), nil
}

func build(config Config, init func() float64) *Model {
	m := &Model{
		Config: config,
		State:  make(map[string]Matrix),
	}
	for _, s := range Shapes(config) {
		mat := make(Matrix, s.Rows)
		for i := 0; i < s.Rows; i++ {
			mat[i] = make([]*autograd.Value, s.Cols)
			for j := 0; j < s.Cols; j++ {
				val := autograd.New(init())
				mat[i][j] = val
				m.Params = append(m.Params, val)
			}
		}
		m.State[s.Name] = mat
		m.Names = append(m.Names, s.Name)
	}
	return m
}

// NumParams is the number of scalar parameters.
func (m *Model) NumParams() int { return len(m.Params) }

// Linear computes y = W*x for W with shape [out][in].
func Linear(x []*autograd.Value, w Matrix) []*autograd.Value {
	out := make([]*autograd.Value, len(w))
	for i, row := range w {
		out[i] = autograd.Dot(row, x)
	}
	return out
}

// Softmax converts logits into probabilities that sum to 1.
// The max logit is subtracted first for numerical stability.
func Softmax(logits []*autograd.Value) []*autograd.Value {
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
	invTotal := autograd.Sum(exps).Pow(-1)

	probs := make([]*autograd.Value, len(logits))
	for i, e := range exps {
		probs[i] = e.Mul(invTotal)
	}
	return probs
}

// RMSNorm rescales x to unit root-mean-square.
func RMSNorm(x []*autograd.Value) []*autograd.Value {
	ms := autograd.Dot(x, x).Scale(1.0 / float64(len(x)))
	scale := ms.AddConst(RMSNormEps).Pow(-0.5)

	out := make([]*autograd.Value, len(x))
	for i, xi := range x {
		out[i] = xi.Mul(scale)
	}
	return out
}

// RMSNormEps keeps RMSNorm finite for an all-zero vector.
const RMSNormEps = 1e-5
