// Package autograd is a scalar reverse-mode automatic differentiation engine.
//
// Every Value remembers the values it was computed from and the local
// derivative with respect to each of them. Calling Backward on a scalar loss
// walks that graph in reverse topological order and accumulates gradients
// with the chain rule.
package autograd

import "math"

// Value is a number with memory:
// - Data is the number used in calculations.
// - Grad is how much the final loss changes if Data changes a little.
// - Children are the inputs used to create this value.
// - LocalGrads holds d(this)/d(child) for each child.
type Value struct {
	Data       float64
	Grad       float64
	Children   []*Value
	LocalGrads []float64
}

// New creates a leaf node (a plain number with no parents).
func New(data float64) *Value {
	return &Value{Data: data}
}

// Add creates node z = x + y.
func (v *Value) Add(other *Value) *Value {
	return &Value{
		Data:       v.Data + other.Data,
		Children:   []*Value{v, other},
		LocalGrads: []float64{1, 1},
	}
}

// AddConst creates node z = x + c without allocating a leaf for c.
func (v *Value) AddConst(c float64) *Value {
	return &Value{
		Data:       v.Data + c,
		Children:   []*Value{v},
		LocalGrads: []float64{1},
	}
}

// Mul creates node z = x * y.
// dz/dx = y, dz/dy = x.
func (v *Value) Mul(other *Value) *Value {
	return &Value{
		Data:       v.Data * other.Data,
		Children:   []*Value{v, other},
		LocalGrads: []float64{other.Data, v.Data},
	}
}

// Scale creates node z = c * x.
func (v *Value) Scale(c float64) *Value {
	return &Value{
		Data:       v.Data * c,
		Children:   []*Value{v},
		LocalGrads: []float64{c},
	}
}

// Neg creates node z = -x.
func (v *Value) Neg() *Value {
	return v.Scale(-1)
}

// Pow creates node z = x^p.
// dz/dx = p * x^(p-1).
func (v *Value) Pow(power float64) *Value {
	return &Value{
		Data:       math.Pow(v.Data, power),
		Children:   []*Value{v},
		LocalGrads: []float64{power * math.Pow(v.Data, power-1)},
	}
}

// Log creates node z = ln(x).
func (v *Value) Log() *Value {
	return &Value{
		Data:       math.Log(v.Data),
		Children:   []*Value{v},
		LocalGrads: []float64{1 / v.Data},
	}
}

// Exp creates node z = e^x.
func (v *Value) Exp() *Value {
	exp := math.Exp(v.Data)
	return &Value{
		Data:       exp,
		Children:   []*Value{v},
		LocalGrads: []float64{exp},
	}
}

// Relu applies max(0, x). The local derivative is 1 when x > 0, otherwise 0.
func (v *Value) Relu() *Value {
	grad := 0.0
	if v.Data > 0 {
		grad = 1.0
	}
	return &Value{
		Data:       math.Max(0, v.Data),
		Children:   []*Value{v},
		LocalGrads: []float64{grad},
	}
}

// Sum adds many values in a single node.
func Sum(xs []*Value) *Value {
	out := &Value{
		Children:   make([]*Value, len(xs)),
		LocalGrads: make([]float64, len(xs)),
	}
	for i, x := range xs {
		out.Data += x.Data
		out.Children[i] = x
		out.LocalGrads[i] = 1
	}
	return out
}

// Dot computes sum_i a[i]*b[i] as one node with 2n children.
// a and b must have the same length.
func Dot(a, b []*Value) *Value {
	n := len(a)
	out := &Value{
		Children:   make([]*Value, 0, 2*n),
		LocalGrads: make([]float64, 0, 2*n),
	}
	for i := 0; i < n; i++ {
		out.Data += a[i].Data * b[i].Data
		out.Children = append(out.Children, a[i], b[i])
		out.LocalGrads = append(out.LocalGrads, b[i].Data, a[i].Data)
	}
	return out
}

// Backward performs reverse-mode autodiff from this node to all ancestors.
//
// 1) Build a topological order so each node comes after its children.
// 2) Seed the output gradient with 1.
// 3) Walk the order backwards and push gradients into children.
//
// The traversal uses an explicit stack; the graph of a full training
// sequence is too deep for recursion.
func (v *Value) Backward() {
	topo := make([]*Value, 0, 1024)
	visited := make(map[*Value]struct{})

	type frame struct {
		node *Value
		next int
	}
	stack := []frame{{node: v}}
	visited[v] = struct{}{}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.node.Children) {
			child := top.node.Children[top.next]
			top.next++
			if _, seen := visited[child]; !seen {
				visited[child] = struct{}{}
				stack = append(stack, frame{node: child})
			}
			continue
		}
		topo = append(topo, top.node)
		stack = stack[:len(stack)-1]
	}

	v.Grad = 1
	for i := len(topo) - 1; i >= 0; i-- {
		curr := topo[i]
		for j, child := range curr.Children {
			child.Grad += curr.LocalGrads[j] * curr.Grad
		}
	}
}

// ZeroGrad clears the gradient of every value in params.
func ZeroGrad(params []*Value) {
	for _, p := range params {
		p.Grad = 0
	}
}

// Data copies the numbers out of a vector of values.
func Data(xs []*Value) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = x.Data
	}
	return out
}
