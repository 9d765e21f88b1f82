package autograd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackwardChainRule(t *testing.T) {
	// f(x, y) = (x*y + x)^2 at x=2, y=3 -> 64
	x, y := New(2), New(3)
	f := x.Mul(y).Add(x).Pow(2)
	f.Backward()

	assert.InDelta(t, 64.0, f.Data, 1e-12)
	// df/dx = 2(xy+x)(y+1) = 2*8*4
	assert.InDelta(t, 64.0, x.Grad, 1e-9)
	// df/dy = 2(xy+x)x = 2*8*2
	assert.InDelta(t, 32.0, y.Grad, 1e-9)
}

func TestBackwardSharedNodeAccumulates(t *testing.T) {
	x := New(3)
	f := x.Mul(x) // d/dx x^2 = 6
	f.Backward()
	assert.InDelta(t, 6.0, x.Grad, 1e-12)
}

func TestSumAndDotMatchChainedOps(t *testing.T) {
	a := []*Value{New(1), New(-2), New(0.5)}
	b := []*Value{New(4), New(3), New(-1)}

	d := Dot(a, b)
	assert.InDelta(t, 4-6-0.5, d.Data, 1e-12)
	d.Backward()
	for i := range a {
		assert.InDelta(t, b[i].Data, a[i].Grad, 1e-12)
		assert.InDelta(t, a[i].Data, b[i].Grad, 1e-12)
	}

	ZeroGrad(a)
	s := Sum(a)
	s.Backward()
	assert.InDelta(t, -0.5, s.Data, 1e-12)
	for _, v := range a {
		assert.InDelta(t, 1.0, v.Grad, 1e-12)
	}
}

func TestUnaryLocalGradients(t *testing.T) {
	tests := []struct {
		name string
		op   func(*Value) *Value
		in   float64
		out  float64
		grad float64
	}{
		{"exp", (*Value).Exp, 1, math.E, math.E},
		{"log", (*Value).Log, 2, math.Log(2), 0.5},
		{"relu positive", (*Value).Relu, 1.5, 1.5, 1},
		{"relu negative", (*Value).Relu, -1.5, 0, 0},
		{"neg", (*Value).Neg, 2, -2, -1},
		{"scale", func(v *Value) *Value { return v.Scale(3) }, 2, 6, 3},
		{"add const", func(v *Value) *Value { return v.AddConst(1) }, 2, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := New(tt.in)
			y := tt.op(x)
			y.Backward()
			assert.InDelta(t, tt.out, y.Data, 1e-12)
			assert.InDelta(t, tt.grad, x.Grad, 1e-12)
		})
	}
}

func TestBackwardDeepChain(t *testing.T) {
	x := New(1)
	y := x
	for i := 0; i < 200000; i++ {
		y = y.AddConst(0)
	}
	y.Backward()
	assert.Equal(t, 1.0, x.Grad)
}
