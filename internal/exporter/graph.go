package exporter

import (
	"fmt"
	"math"

	"minimal-api-gpt/internal/gpt"
	"minimal-api-gpt/internal/onnx"
)

// Graph interface names.
const (
	InputName  = "input_ids"
	OutputName = "logits"
	BatchAxis  = "batch_size"
	SeqAxis    = "sequence"
)

// maskValue is added to attention scores of future positions.
const maskValue = -1e9

type graphBuilder struct {
	g    onnx.Graph
	next int
}

// op appends a node and returns the name of its single output.
func (b *graphBuilder) op(opType string, inputs []string, attrs ...onnx.Attribute) string {
	b.next++
	name := fmt.Sprintf("%s_%d", opType, b.next)
	out := name + "_out"
	b.g.Nodes = append(b.g.Nodes, onnx.Node{
		Name:    name,
		OpType:  opType,
		Inputs:  inputs,
		Outputs: []string{out},
		Attrs:   attrs,
	})
	return out
}

func (b *graphBuilder) floats(name string, dims []int64, data []float32) string {
	b.g.Initializers = append(b.g.Initializers, onnx.Tensor{Name: name, DataType: onnx.Float, Dims: dims, FloatData: data})
	return name
}

func (b *graphBuilder) ints(name string, dims []int64, data ...int64) string {
	b.g.Initializers = append(b.g.Initializers, onnx.Tensor{Name: name, DataType: onnx.Int64, Dims: dims, Int64Data: data})
	return name
}

// weight stores matrix name as it is laid out in the model, [rows, cols].
func (b *graphBuilder) weight(m *gpt.Model, name string) string {
	mat := m.State[name]
	data := make([]float32, 0, mat.Rows()*mat.Cols())
	for _, row := range mat {
		for _, v := range row {
			data = append(data, float32(v.Data))
		}
	}
	return b.floats(name, []int64{int64(mat.Rows()), int64(mat.Cols())}, data)
}

// weightT stores the transpose of matrix name so that x @ W^T is a plain
// MatMul against it.
func (b *graphBuilder) weightT(m *gpt.Model, name string) string {
	mat := m.State[name]
	rows, cols := mat.Rows(), mat.Cols()
	data := make([]float32, rows*cols)
	for i, row := range mat {
		for j, v := range row {
			data[j*rows+i] = float32(v.Data)
		}
	}
	return b.floats(name+"_T", []int64{int64(cols), int64(rows)}, data)
}

func (b *graphBuilder) rmsNorm(x, eps string) string {
	sq := b.op("Mul", []string{x, x})
	ms := b.op("ReduceMean", []string{sq}, onnx.Ints("axes", -1), onnx.Int("keepdims", 1))
	denom := b.op("Sqrt", []string{b.op("Add", []string{ms, eps})})
	return b.op("Div", []string{x, denom})
}

// Build translates m into an ONNX graph computing the same logits as
// Model.Forward at every position of a batch of sequences.
func Build(m *gpt.Model) (*onnx.Model, error) {
	c := m.Config
	if err := c.Validate(); err != nil {
		return nil, err
	}
	b := &graphBuilder{g: onnx.Graph{Name: "minimal_api_gpt"}}
	b.g.Inputs = []onnx.ValueInfo{{
		Name:     InputName,
		ElemType: onnx.Int64,
		Shape:    []onnx.Dim{{Param: BatchAxis}, {Param: SeqAxis}},
	}}
	b.g.Outputs = []onnx.ValueInfo{{
		Name:     OutputName,
		ElemType: onnx.Float,
		Shape:    []onnx.Dim{{Param: BatchAxis}, {Param: SeqAxis}, {Value: int64(c.VocabSize)}},
	}}

	eps := b.floats("rms_eps", nil, []float32{gpt.RMSNormEps})
	scale := b.floats("attn_scale", nil, []float32{float32(1 / math.Sqrt(float64(c.HeadDim())))})
	zero := b.ints("zero", nil, 0)
	one := b.ints("one", nil, 1)
	headShape := b.ints("head_shape", []int64{4}, 0, 0, int64(c.NHead), int64(c.HeadDim()))
	mergeShape := b.ints("merge_shape", []int64{3}, 0, 0, int64(c.NEmbd))
	maskStarts := b.ints("mask_starts", []int64{2}, 0, 0)
	maskAxes := b.ints("mask_axes", []int64{2}, 0, 1)

	block := c.BlockSize
	mask := make([]float32, block*block)
	for i := 0; i < block; i++ {
		for j := i + 1; j < block; j++ {
			mask[i*block+j] = maskValue
		}
	}
	fullMask := b.floats("causal_mask", []int64{int64(block), int64(block)}, mask)

	// embeddings
	wte := b.weight(m, gpt.TokenEmbedding)
	wpe := b.weight(m, gpt.PositionEmbedding)
	tok := b.op("Gather", []string{wte, InputName}, onnx.Int("axis", 0))
	seqLen := b.op("Gather", []string{b.op("Shape", []string{InputName}), one}, onnx.Int("axis", 0))
	positions := b.op("Range", []string{zero, seqLen, one})
	pos := b.op("Gather", []string{wpe, positions}, onnx.Int("axis", 0))
	x := b.rmsNorm(b.op("Add", []string{tok, pos}), eps)

	// the [T, T] corner of the causal mask
	seqVec := b.op("Unsqueeze", []string{seqLen}, onnx.Ints("axes", 0))
	maskEnds := b.op("Concat", []string{seqVec, seqVec}, onnx.Int("axis", 0))
	causal := b.op("Slice", []string{fullMask, maskStarts, maskEnds, maskAxes})

	for li := 0; li < c.NLayer; li++ {
		residual := x
		h := b.rmsNorm(x, eps)
		heads := func(name string, perm ...int64) string {
			proj := b.op("MatMul", []string{h, b.weightT(m, gpt.LayerWeight(li, name))})
			split := b.op("Reshape", []string{proj, headShape})
			return b.op("Transpose", []string{split}, onnx.Ints("perm", perm...))
		}
		q := heads("attn_wq", 0, 2, 1, 3)
		kT := heads("attn_wk", 0, 2, 3, 1)
		v := heads("attn_wv", 0, 2, 1, 3)

		scores := b.op("Mul", []string{b.op("MatMul", []string{q, kT}), scale})
		scores = b.op("Add", []string{scores, causal})
		weights := b.op("Softmax", []string{scores}, onnx.Int("axis", -1))
		attn := b.op("MatMul", []string{weights, v})
		attn = b.op("Transpose", []string{attn}, onnx.Ints("perm", 0, 2, 1, 3))
		attn = b.op("Reshape", []string{attn, mergeShape})
		attn = b.op("MatMul", []string{attn, b.weightT(m, gpt.LayerWeight(li, "attn_wo"))})
		x = b.op("Add", []string{attn, residual})

		residual = x
		h = b.rmsNorm(x, eps)
		h = b.op("MatMul", []string{h, b.weightT(m, gpt.LayerWeight(li, "mlp_fc1"))})
		h = b.op("Relu", []string{h})
		h = b.op("MatMul", []string{h, b.weightT(m, gpt.LayerWeight(li, "mlp_fc2"))})
		x = b.op("Add", []string{h, residual})
	}

	b.g.Nodes = append(b.g.Nodes, onnx.Node{
		Name:    "lm_head",
		OpType:  "MatMul",
		Inputs:  []string{x, b.weightT(m, gpt.LMHead)},
		Outputs: []string{OutputName},
	})

	return &onnx.Model{
		Graph:     b.g,
		DocString: fmt.Sprintf("char-level GPT: n_embd=%d n_head=%d n_layer=%d block_size=%d vocab_size=%d", c.NEmbd, c.NHead, c.NLayer, c.BlockSize, c.VocabSize),
	}, nil
}
