package gradsel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/vitune/pkg/tensor"
)

func TestDecays(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"lang_encoder.layers.0.gated_cross_attn_layer.attn.to_q.weight", true},
		{"lang_encoder.layers.0.gated_cross_attn_layer.ff.1.weight", true},
		{"lang_encoder.layers.0.gated_cross_attn_layer.attn_gate", false},
		{"lang_encoder.layers.0.gated_cross_attn_layer.ff_gate", false},
		{"lang_encoder.layers.0.gated_cross_attn_layer.attn.norm.weight", false},
		{"lang_encoder.layers.0.gated_cross_attn_layer.attn.to_out.bias", false},
		{"perceiver.layers.0.0.to_q.weight", false},
		{MPTEmbedding, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decays(tt.name))
		})
	}
}

func TestGroupParameters(t *testing.T) {
	w := tensor.NewParameter("x.gated_cross_attn_layer.attn.weight", true, 2, 2)
	gate := tensor.NewParameter("x.gated_cross_attn_layer.attn_gate", true, 1)
	emb := tensor.NewParameter(MPTEmbedding, true, 4, 2)
	frozen := tensor.NewParameter("vision_encoder.proj.weight", false, 2, 2)

	groups := GroupParameters([]*tensor.Parameter{w, gate, emb, frozen}, 0.1)
	require.Len(t, groups, 2)

	assert.Equal(t, 0.1, groups[0].WeightDecay)
	assert.Equal(t, []*tensor.Parameter{w}, groups[0].Params)
	assert.Equal(t, 0.0, groups[1].WeightDecay)
	assert.Equal(t, []*tensor.Parameter{gate, emb, frozen}, groups[1].Params)
}

func TestRestrictEmbeddingGradient(t *testing.T) {
	p := tensor.NewParameter("emb", true, 4, 3)
	g := p.EnsureGrad()
	for i := range g {
		g[i] = float32(i + 1)
	}

	RestrictEmbeddingGradient(p, 2)

	for r := 0; r < 4; r++ {
		row := p.Grad[r*3 : (r+1)*3]
		if r == 2 {
			assert.Equal(t, []float32{7, 8, 9}, row)
		} else {
			assert.Equal(t, []float32{0, 0, 0}, row, "row %d", r)
		}
	}
}

func TestRestrictEmbeddingGradient_NoGrad(t *testing.T) {
	p := tensor.NewParameter("emb", true, 4, 3)
	RestrictEmbeddingGradient(p, 1)
	assert.Nil(t, p.Grad)

	frozen := tensor.NewParameter("emb", false, 2, 1)
	frozen.Grad = []float32{1, 2}
	RestrictEmbeddingGradient(frozen, 0)
	assert.Equal(t, []float32{1, 2}, frozen.Grad)

	RestrictEmbeddingGradient(nil, 0)
}

func TestRestrict_ByFamily(t *testing.T) {
	build := func() []*tensor.Parameter {
		var ps []*tensor.Parameter
		for _, name := range []string{MPTEmbedding, LlamaEmbedding, LlamaHead, "other.weight"} {
			p := tensor.NewParameter(name, true, 3, 1)
			g := p.EnsureGrad()
			g[0], g[1], g[2] = 1, 1, 1
			ps = append(ps, p)
		}
		return ps
	}

	mpt := build()
	Restrict(FamilyMPT, mpt, 1)
	assert.Equal(t, []float32{0, 1, 0}, mpt[0].Grad)
	assert.Equal(t, []float32{1, 1, 1}, mpt[1].Grad)
	assert.Equal(t, []float32{1, 1, 1}, mpt[2].Grad)

	llama := build()
	Restrict(FamilyLlama, llama, 0)
	assert.Equal(t, []float32{1, 1, 1}, llama[0].Grad)
	assert.Equal(t, []float32{1, 0, 0}, llama[1].Grad)
	assert.Equal(t, []float32{1, 0, 0}, llama[2].Grad)
	assert.Equal(t, []float32{1, 1, 1}, llama[3].Grad)

	other := build()
	Restrict(FamilyOther, other, 0)
	for _, p := range other {
		assert.Equal(t, []float32{1, 1, 1}, p.Grad)
	}
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("MPT")
	require.NoError(t, err)
	assert.Equal(t, FamilyMPT, f)

	f, err = ParseFamily("")
	require.NoError(t, err)
	assert.Equal(t, FamilyOther, f)

	_, err = ParseFamily("gpt")
	assert.Error(t, err)
}
