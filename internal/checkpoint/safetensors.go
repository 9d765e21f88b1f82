package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"minimal-api-gpt/internal/gpt"
)

// ErrTensorMismatch is returned when a weights file does not fit the model
// it is loaded into.
var ErrTensorMismatch = errors.New("tensor mismatch")

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// writeSafetensors stores every matrix of m as float32 in the safetensors
// layout: an 8-byte little-endian header length, a JSON header, raw data.
func writeSafetensors(path string, m *gpt.Model) error {
	header := make(map[string]any, len(m.Names)+1)
	header["__metadata__"] = map[string]string{"format": "pt"}
	var offset int64
	for _, name := range m.Names {
		mat := m.State[name]
		size := int64(mat.Rows()*mat.Cols()) * 4
		header[name] = tensorInfo{
			DType:       "F32",
			Shape:       []int{mat.Rows(), mat.Cols()},
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return err
	}
	for len(raw)%8 != 0 {
		raw = append(raw, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(raw))); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, name := range m.Names {
		for _, row := range m.State[name] {
			for _, v := range row {
				binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v.Data)))
				if _, err := w.Write(buf); err != nil {
					return err
				}
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// readSafetensors loads float32 tensors from path into m, which must have
// been allocated with the matching config.
func readSafetensors(path string, m *gpt.Model) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return fmt.Errorf("read %s header length: %w", path, err)
	}
	if headerLen > 100<<20 {
		return fmt.Errorf("%s: header of %d bytes: %w", path, headerLen, ErrTensorMismatch)
	}
	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return fmt.Errorf("read %s header: %w", path, err)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw, &header); err != nil {
		return fmt.Errorf("parse %s header: %w", path, err)
	}
	delete(header, "__metadata__")

	infos := make(map[string]tensorInfo, len(header))
	for name, msg := range header {
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return fmt.Errorf("parse %s tensor %s: %w", path, name, err)
		}
		infos[name] = info
	}
	if len(infos) != len(m.Names) {
		return fmt.Errorf("%s has %d tensors, model needs %d: %w", path, len(infos), len(m.Names), ErrTensorMismatch)
	}

	// read in file order so the data section is consumed sequentially
	names := make([]string, 0, len(infos))
	for name := range infos {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return infos[names[i]].DataOffsets[0] < infos[names[j]].DataOffsets[0]
	})

	var pos int64
	buf := make([]byte, 4)
	for _, name := range names {
		info := infos[name]
		mat, ok := m.State[name]
		if !ok {
			return fmt.Errorf("unexpected tensor %s: %w", name, ErrTensorMismatch)
		}
		if info.DType != "F32" || len(info.Shape) != 2 || info.Shape[0] != mat.Rows() || info.Shape[1] != mat.Cols() {
			return fmt.Errorf("tensor %s is %s%v, model needs F32[%d %d]: %w",
				name, info.DType, info.Shape, mat.Rows(), mat.Cols(), ErrTensorMismatch)
		}
		if info.DataOffsets[0] != pos || info.DataOffsets[1]-info.DataOffsets[0] != int64(mat.Rows()*mat.Cols())*4 {
			return fmt.Errorf("tensor %s has offsets %v: %w", name, info.DataOffsets, ErrTensorMismatch)
		}
		for _, row := range mat {
			for _, v := range row {
				if _, err := io.ReadFull(r, buf); err != nil {
					return fmt.Errorf("read tensor %s: %w", name, err)
				}
				v.Data = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
			}
		}
		pos = info.DataOffsets[1]
	}
	return nil
}
