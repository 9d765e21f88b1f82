package onnx

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityModel() *Model {
	return &Model{
		DocString: "test",
		Graph: Graph{
			Name: "g",
			Nodes: []Node{
				{Name: "gather", OpType: "Gather", Inputs: []string{"table", "ids"}, Outputs: []string{"rows"}, Attrs: []Attribute{Int("axis", 0)}},
				{Name: "reduce", OpType: "ReduceMean", Inputs: []string{"rows"}, Outputs: []string{"out"}, Attrs: []Attribute{Ints("axes", -1), Int("keepdims", 1)}},
				{Name: "scale", OpType: "Mul", Inputs: []string{"out", "half"}, Outputs: []string{"scaled"}},
			},
			Initializers: []Tensor{
				{Name: "table", DataType: Float, Dims: []int64{3, 2}, FloatData: []float32{1, 2, 3, 4, 5, 6}},
				{Name: "half", DataType: Float, FloatData: []float32{0.5}},
				{Name: "shape", DataType: Int64, Dims: []int64{2}, Int64Data: []int64{0, -1}},
			},
			Inputs: []ValueInfo{
				{Name: "ids", ElemType: Int64, Shape: []Dim{{Param: "batch_size"}, {Param: "sequence"}}},
			},
			Outputs: []ValueInfo{
				{Name: "scaled", ElemType: Float, Shape: []Dim{{Param: "batch_size"}, {Param: "sequence"}, {Value: 1}}},
			},
		},
	}
}

func TestWriteAndInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.onnx")
	size, err := identityModel().WriteFile(path)
	require.NoError(t, err)
	assert.Positive(t, size)

	s, err := Inspect(path)
	require.NoError(t, err)
	assert.EqualValues(t, IRVersion, s.IRVersion)
	assert.EqualValues(t, OpsetVersion, s.Opset)
	assert.Equal(t, ProducerName, s.Producer)
	assert.Equal(t, []string{"Gather", "ReduceMean", "Mul"}, s.OpTypes)
	assert.Equal(t, 1, s.CountOp("Mul"))

	require.Len(t, s.Inputs, 1)
	assert.Equal(t, "ids", s.Inputs[0].Name)
	assert.Equal(t, Int64, s.Inputs[0].ElemType)
	assert.Equal(t, []Dim{{Param: "batch_size"}, {Param: "sequence"}}, s.Inputs[0].Shape)

	require.Len(t, s.Outputs, 1)
	assert.Equal(t, []Dim{{Param: "batch_size"}, {Param: "sequence"}, {Value: 1}}, s.Outputs[0].Shape)

	assert.Equal(t, []int64{3, 2}, s.Initializers["table"])
	assert.Equal(t, []int64{2}, s.Initializers["shape"])
	assert.Contains(t, s.Initializers, "half")
}

func TestMarshalRejectsBadTensor(t *testing.T) {
	m := identityModel()
	m.Graph.Initializers[0].FloatData = []float32{1}
	_, err := m.Marshal()
	assert.ErrorContains(t, err, "tensor table")
}

func TestMarshalRejectsEmptyAttribute(t *testing.T) {
	m := identityModel()
	m.Graph.Nodes[0].Attrs = []Attribute{{Name: "axis"}}
	_, err := m.Marshal()
	assert.ErrorContains(t, err, "no value")
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0x0a, 0xff})
	assert.ErrorIs(t, err, errMalformed)
}
