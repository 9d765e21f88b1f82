// Package onnx writes and inspects the subset of the ONNX protobuf format
// the exporter needs: float and int64 initializers, symbolic or fixed
// tensor shapes, and nodes with int and ints attributes.
package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Versions stamped into every exported model.
const (
	IRVersion       = 7
	OpsetVersion    = 12
	ProducerName    = "minimal-api-gpt"
	ProducerVersion = "1.0"
)

// Element types from TensorProto.DataType.
const (
	Float = 1
	Int64 = 7
)

// Attribute types from AttributeProto.AttributeType.
const (
	attrInt  = 2
	attrInts = 7
)

// Dim is one axis of a value shape: either a fixed size or a named
// symbolic axis.
type Dim struct {
	Value int64
	Param string
}

// ValueInfo declares a graph input or output.
type ValueInfo struct {
	Name     string
	ElemType int
	Shape    []Dim
}

// Tensor is a constant. Exactly one of FloatData or Int64Data is used,
// according to DataType.
type Tensor struct {
	Name      string
	DataType  int
	Dims      []int64
	FloatData []float32
	Int64Data []int64
}

// Attribute is a node attribute. The populated field decides its type.
type Attribute struct {
	Name string
	I    *int64
	Ints []int64
}

// Node is one operator application.
type Node struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string
	Attrs   []Attribute
}

// Graph is a computation graph with its constants.
type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []Tensor
	Inputs       []ValueInfo
	Outputs      []ValueInfo
}

// Model wraps a graph with version information.
type Model struct {
	Graph     Graph
	DocString string
}

// Int builds an integer attribute.
func Int(name string, v int64) Attribute { return Attribute{Name: name, I: &v} }

// Ints builds an integer list attribute.
func Ints(name string, v ...int64) Attribute { return Attribute{Name: name, Ints: v} }

// Marshal encodes m as an ONNX ModelProto.
func (m *Model) Marshal() ([]byte, error) {
	graph, err := m.Graph.marshal()
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, IRVersion)
	b = appendString(b, 2, ProducerName)
	b = appendString(b, 3, ProducerVersion)
	if m.DocString != "" {
		b = appendString(b, 6, m.DocString)
	}
	b = appendMessage(b, 7, graph)

	var opset []byte
	opset = appendString(opset, 1, "")
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, OpsetVersion)
	b = appendMessage(b, 8, opset)
	return b, nil
}

// WriteFile encodes m to path and returns the number of bytes written.
func (m *Model) WriteFile(path string) (int64, error) {
	raw, err := m.Marshal()
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return int64(len(raw)), nil
}

func (g *Graph) marshal() ([]byte, error) {
	var b []byte
	for _, n := range g.Nodes {
		raw, err := n.marshal()
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 1, raw)
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializers {
		raw, err := t.marshal()
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 5, raw)
	}
	for _, in := range g.Inputs {
		b = appendMessage(b, 11, in.marshal())
	}
	for _, out := range g.Outputs {
		b = appendMessage(b, 12, out.marshal())
	}
	return b, nil
}

func (n *Node) marshal() ([]byte, error) {
	var b []byte
	for _, in := range n.Inputs {
		b = appendString(b, 1, in)
	}
	for _, out := range n.Outputs {
		b = appendString(b, 2, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attrs {
		raw, err := a.marshal()
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.Name, err)
		}
		b = appendMessage(b, 5, raw)
	}
	return b, nil
}

func (a *Attribute) marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch {
	case a.I != nil:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*a.I))
		b = appendType(b, attrInt)
	case a.Ints != nil:
		b = appendPackedInts(b, 8, a.Ints)
		b = appendType(b, attrInts)
	default:
		return nil, fmt.Errorf("attribute %s has no value", a.Name)
	}
	return b, nil
}

func appendType(b []byte, t uint64) []byte {
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	return protowire.AppendVarint(b, t)
}

func (t *Tensor) marshal() ([]byte, error) {
	var want int64 = 1
	for _, d := range t.Dims {
		want *= d
	}
	var b []byte
	b = appendPackedInts(b, 1, t.Dims)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DataType))
	b = appendString(b, 8, t.Name)

	switch t.DataType {
	case Float:
		if int64(len(t.FloatData)) != want {
			return nil, fmt.Errorf("tensor %s: %d values for shape %v", t.Name, len(t.FloatData), t.Dims)
		}
		raw := make([]byte, 4*len(t.FloatData))
		for i, v := range t.FloatData {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		b = appendMessage(b, 9, raw)
	case Int64:
		if int64(len(t.Int64Data)) != want {
			return nil, fmt.Errorf("tensor %s: %d values for shape %v", t.Name, len(t.Int64Data), t.Dims)
		}
		raw := make([]byte, 8*len(t.Int64Data))
		for i, v := range t.Int64Data {
			binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
		}
		b = appendMessage(b, 9, raw)
	default:
		return nil, fmt.Errorf("tensor %s: unsupported data type %d", t.Name, t.DataType)
	}
	return b, nil
}

func (v *ValueInfo) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d.Param != "" {
			dim = appendString(dim, 2, d.Param)
		} else {
			dim = protowire.AppendTag(dim, 1, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d.Value))
		}
		shape = appendMessage(shape, 1, dim)
	}
	var tensor []byte
	tensor = protowire.AppendTag(tensor, 1, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, uint64(v.ElemType))
	tensor = appendMessage(tensor, 2, shape)

	var typ []byte
	typ = appendMessage(typ, 1, tensor)

	var b []byte
	b = appendString(b, 1, v.Name)
	b = appendMessage(b, 2, typ)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedInts(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}
