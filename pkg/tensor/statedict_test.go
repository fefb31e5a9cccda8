package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadInto_NonStrict(t *testing.T) {
	a := NewParameter("a", true, 2)
	b := NewParameter("b", true, 1)

	sd := StateDict{
		"a":     {Shape: []int{2}, Data: []float32{1, 2}, DType: Float32},
		"extra": {Shape: []int{1}, Data: []float32{9}, DType: Float32},
	}
	res, err := LoadInto([]*Parameter{a, b}, sd, false)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, a.Value.Data)
	assert.Equal(t, []string{"b"}, res.Missing)
	assert.Equal(t, []string{"extra"}, res.Unexpected)
}

func TestLoadInto_Strict(t *testing.T) {
	a := NewParameter("a", true, 2)
	_, err := LoadInto([]*Parameter{a}, StateDict{}, true)
	assert.Error(t, err)
}

func TestLoadInto_ShapeMismatch(t *testing.T) {
	a := NewParameter("a", true, 2)
	sd := StateDict{"a": {Shape: []int{3}, Data: []float32{1, 2, 3}}}
	_, err := LoadInto([]*Parameter{a}, sd, false)
	assert.Error(t, err)
}

func TestStateDict_KeysSorted(t *testing.T) {
	sd := StateDict{"b": New(1), "a": New(2), "c": New(1, 3)}
	assert.Equal(t, []string{"a", "b", "c"}, sd.Keys())
	assert.Equal(t, 6, sd.NumElements())
}
