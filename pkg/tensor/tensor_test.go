package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDType(t *testing.T) {
	tests := []struct {
		in   string
		want DType
	}{
		{"", Float32},
		{"fp32", Float32},
		{"fp16", Float16},
		{"half", Float16},
		{"bf16", BFloat16},
		{"BFloat16", BFloat16},
	}
	for _, tt := range tests {
		got, err := ParseDType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseDType("int8")
	assert.Error(t, err)
}

func TestCast(t *testing.T) {
	src := New(1, 3)
	src.Data = []float32{1.0, 0.1, 65504}

	half := src.Cast(Float16)
	assert.Equal(t, Float16, half.DType)
	assert.Equal(t, float32(1.0), half.Data[0])
	assert.NotEqual(t, float32(0.1), half.Data[1])
	assert.InDelta(t, 0.1, half.Data[1], 1e-3)
	assert.Equal(t, float32(65504), half.Data[2])

	bf := src.Cast(BFloat16)
	assert.Equal(t, float32(1.0), bf.Data[0])
	assert.Equal(t, uint32(0), math.Float32bits(bf.Data[1])&0xFFFF)

	// source untouched
	assert.Equal(t, float32(0.1), src.Data[1])
	assert.Equal(t, Float32, src.DType)
}

func TestCloneAndEqual(t *testing.T) {
	a := New(2, 2)
	a.Data[3] = 4
	b := a.Clone()
	assert.True(t, a.Equal(b))

	b.Data[3] = 5
	assert.False(t, a.Equal(b))
	assert.Equal(t, float32(4), a.Data[3])
}

func TestParameterGrad(t *testing.T) {
	p := NewParameter("w", true, 3, 2)
	assert.Equal(t, 3, p.Rows())
	assert.Equal(t, 2, p.RowWidth())
	assert.Nil(t, p.Grad)

	g := p.EnsureGrad()
	assert.Len(t, g, 6)
	g[0] = 1
	assert.Equal(t, float32(1), p.EnsureGrad()[0])

	p.ZeroGrad()
	assert.Nil(t, p.Grad)
}
