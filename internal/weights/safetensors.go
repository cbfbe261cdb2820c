package weights

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"diffusiond/internal/tensor"
)

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// ReadSafetensors reads every tensor in a safetensors file. F32, F16 and
// BF16 payloads are supported.
func ReadSafetensors(path string) (map[string]tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if n > 100<<20 {
		return nil, fmt.Errorf("header too large: %d", n)
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	delete(raw, "__metadata__")
	dataStart := int64(8 + n)

	out := make(map[string]tensor.Tensor, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		if err := checkShape(name, th.Shape); err != nil {
			return nil, err
		}
		buf := make([]byte, th.DataOffsets[1]-th.DataOffsets[0])
		if _, err := f.ReadAt(buf, dataStart+th.DataOffsets[0]); err != nil {
			return nil, fmt.Errorf("read tensor %s: %w", name, err)
		}
		data, err := decode(th.DType, buf)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		t, err := tensor.FromData(data, th.Shape...)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func decode(dtype string, raw []byte) ([]float64, error) {
	switch dtype {
	case "F32":
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("invalid f32 data size")
		}
		out := make([]float64, len(raw)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return out, nil
	case "F16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("invalid f16 data size")
		}
		out := make([]float64, len(raw)/2)
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32())
		}
		return out, nil
	case "BF16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("invalid bf16 data size")
		}
		f32s := bfloat16.DecodeFloat32(raw)
		out := make([]float64, len(f32s))
		for i, v := range f32s {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

func encode(dtype string, data []float64) ([]byte, error) {
	switch dtype {
	case "F32":
		buf := make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		}
		return buf, nil
	case "F16":
		buf := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
		return buf, nil
	case "BF16":
		f32s := make([]float32, len(data))
		for i, v := range data {
			f32s[i] = float32(v)
		}
		return bfloat16.EncodeFloat32(f32s), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

// WriteSafetensors writes tensors to path in the given dtype (F32, F16 or
// BF16). Tensor order in the file is sorted by name.
func WriteSafetensors(path string, tensors map[string]tensor.Tensor, dtype string) error {
	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)

	header := make(map[string]tensorHeader, len(names))
	payloads := make([][]byte, 0, len(names))
	var off int64
	for _, n := range names {
		t := tensors[n]
		if err := checkShape(n, t.Shape); err != nil {
			return err
		}
		b, err := encode(dtype, t.Data)
		if err != nil {
			return err
		}
		header[n] = tensorHeader{DType: dtype, Shape: t.Shape, DataOffsets: []int64{off, off + int64(len(b))}}
		payloads = append(payloads, b)
		off += int64(len(b))
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// pad the header so the data section is 8-byte aligned
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(hdr))); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		_ = f.Close()
		return err
	}
	for _, p := range payloads {
		if _, err := w.Write(p); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
