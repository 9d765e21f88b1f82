package onnx

import (
	"errors"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

var errMalformed = errors.New("malformed onnx model")

// Summary is what Inspect reads back from an encoded model.
type Summary struct {
	IRVersion    int64
	Producer     string
	Opset        int64
	Inputs       []ValueInfo
	Outputs      []ValueInfo
	OpTypes      []string
	Initializers map[string][]int64
}

// CountOp returns how many nodes use opType.
func (s Summary) CountOp(opType string) int {
	n := 0
	for _, op := range s.OpTypes {
		if op == opType {
			n++
		}
	}
	return n
}

// Inspect decodes the model file at path far enough to report its
// interface, operator list and initializer shapes.
func Inspect(path string) (Summary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Decode(raw)
}

// Decode is Inspect on an in-memory model.
func Decode(raw []byte) (Summary, error) {
	s := Summary{Initializers: map[string][]int64{}}
	err := walk(raw, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			s.IRVersion = int64(v)
		case num == 2 && typ == protowire.BytesType:
			s.Producer = string(b)
		case num == 7 && typ == protowire.BytesType:
			return s.decodeGraph(b)
		case num == 8 && typ == protowire.BytesType:
			return walk(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
				if num == 2 && typ == protowire.VarintType {
					s.Opset = int64(v)
				}
				return nil
			})
		}
		return nil
	})
	return s, err
}

func (s *Summary) decodeGraph(raw []byte) error {
	return walk(raw, func(num protowire.Number, typ protowire.Type, _ uint64, b []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			return walk(b, func(num protowire.Number, typ protowire.Type, _ uint64, b []byte) error {
				if num == 4 && typ == protowire.BytesType {
					s.OpTypes = append(s.OpTypes, string(b))
				}
				return nil
			})
		case 5:
			var name string
			var dims []int64
			err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
				switch {
				case num == 8 && typ == protowire.BytesType:
					name = string(b)
				case num == 1 && typ == protowire.VarintType:
					dims = append(dims, int64(v))
				case num == 1 && typ == protowire.BytesType:
					packed, err := unpackInts(b)
					if err != nil {
						return err
					}
					dims = append(dims, packed...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Initializers[name] = dims
		case 11, 12:
			info, err := decodeValueInfo(b)
			if err != nil {
				return err
			}
			if num == 11 {
				s.Inputs = append(s.Inputs, info)
			} else {
				s.Outputs = append(s.Outputs, info)
			}
		}
		return nil
	})
}

func decodeValueInfo(raw []byte) (ValueInfo, error) {
	var info ValueInfo
	err := walk(raw, func(num protowire.Number, typ protowire.Type, _ uint64, b []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			info.Name = string(b)
		case num == 2 && typ == protowire.BytesType:
			// TypeProto -> Tensor -> {elem_type, shape -> dims}
			return walk(b, func(num protowire.Number, _ protowire.Type, _ uint64, b []byte) error {
				if num != 1 {
					return nil
				}
				return walk(b, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
					switch {
					case num == 1 && typ == protowire.VarintType:
						info.ElemType = int(v)
					case num == 2 && typ == protowire.BytesType:
						return walk(b, func(_ protowire.Number, _ protowire.Type, _ uint64, b []byte) error {
							var d Dim
							err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
								switch {
								case num == 1 && typ == protowire.VarintType:
									d.Value = int64(v)
								case num == 2 && typ == protowire.BytesType:
									d.Param = string(b)
								}
								return nil
							})
							info.Shape = append(info.Shape, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return info, err
}

// walk calls fn for every field of one message. Varint values arrive in v,
// length-delimited payloads in b; fixed-width fields are skipped.
func walk(raw []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error) error {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		raw = raw[n:]

		var (
			v uint64
			b []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(raw)
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(raw)
		default:
			n = protowire.ConsumeFieldValue(num, typ, raw)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
		}
		raw = raw[n:]

		if typ == protowire.VarintType || typ == protowire.BytesType {
			if err := fn(num, typ, v, b); err != nil {
				return err
			}
		}
	}
	return nil
}

func unpackInts(b []byte) ([]int64, error) {
	var out []int64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}
