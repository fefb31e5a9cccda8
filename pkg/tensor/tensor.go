// Package tensor holds the small dense value types shared by the trainer,
// the optimizer and the checkpoint codec. Storage is always float32; the
// DType records the precision the values were rounded to.
package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

type DType string

const (
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
)

// ParseDType accepts the common aliases used by training configs.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "fp32", "float32", "no":
		return Float32, nil
	case "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	default:
		return "", fmt.Errorf("unknown dtype %q (valid: float32, float16, bfloat16)", s)
	}
}

// Tensor is a dense row-major array.
type Tensor struct {
	Shape []int     `msgpack:"shape" json:"shape"`
	Data  []float32 `msgpack:"data" json:"-"`
	DType DType     `msgpack:"dtype" json:"dtype"`
}

// New allocates a zeroed float32 tensor.
func New(shape ...int) Tensor {
	return Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, numel(shape)),
		DType: Float32,
	}
}

func numel(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Numel returns the element count implied by Shape.
func (t Tensor) Numel() int { return numel(t.Shape) }

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
		DType: t.DType,
	}
}

// Row returns a view of row i of a 2-D tensor.
func (t Tensor) Row(i int) []float32 {
	w := t.Shape[len(t.Shape)-1]
	return t.Data[i*w : (i+1)*w]
}

// Cast returns a copy whose values are rounded to the precision of dt.
func (t Tensor) Cast(dt DType) Tensor {
	if dt == "" {
		dt = Float32
	}
	out := t.Clone()
	out.DType = dt
	switch dt {
	case Float16:
		for i, v := range out.Data {
			out.Data[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		for i, v := range out.Data {
			out.Data[i] = roundBF16(v)
		}
	}
	return out
}

// roundBF16 rounds to nearest-even on the upper 16 bits.
func roundBF16(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return v
	}
	bits := math.Float32bits(v)
	bits += 0x7FFF + ((bits >> 16) & 1)
	return math.Float32frombits(bits & 0xFFFF0000)
}

// Equal reports bitwise equality of shape, dtype and data.
func (t Tensor) Equal(o Tensor) bool {
	if t.DType != o.DType || len(t.Shape) != len(o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	for i := range t.Data {
		if math.Float32bits(t.Data[i]) != math.Float32bits(o.Data[i]) {
			return false
		}
	}
	return true
}
