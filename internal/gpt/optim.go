package gpt

import (
	"math"

	"minimal-api-gpt/internal/autograd"
)

// AdamW keeps the Adam moving averages for a parameter list and applies
// decoupled weight decay.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params []*autograd.Value
	m, v   []float64
	steps  int
}

// NewAdamW returns an optimizer over params with the betas used for the
// tiny character models (0.85, 0.99).
func NewAdamW(params []*autograd.Value, lr, weightDecay float64) *AdamW {
	return &AdamW{
		LR:          lr,
		Beta1:       0.85,
		Beta2:       0.99,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		params:      params,
		m:           make([]float64, len(params)),
		v:           make([]float64, len(params)),
	}
}

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.steps }

// ZeroGrad clears gradients before a new batch is accumulated.
func (o *AdamW) ZeroGrad() { autograd.ZeroGrad(o.params) }

// Step performs one optimization step and clears the gradients.
func (o *AdamW) Step() {
	o.steps++
	c1 := 1 - math.Pow(o.Beta1, float64(o.steps))
	c2 := 1 - math.Pow(o.Beta2, float64(o.steps))

	for i, p := range o.params {
		o.m[i] = o.Beta1*o.m[i] + (1-o.Beta1)*p.Grad
		o.v[i] = o.Beta2*o.v[i] + (1-o.Beta2)*p.Grad*p.Grad

		// bias-corrected moments
		mHat := o.m[i] / c1
		vHat := o.v[i] / c2

		p.Data -= o.LR * o.WeightDecay * p.Data
		p.Data -= o.LR * mHat / (math.Sqrt(vHat) + o.Eps)
		p.Grad = 0
	}
}
