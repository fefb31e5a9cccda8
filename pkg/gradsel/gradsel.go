// Package gradsel decides which parameters receive weight decay and which
// embedding rows keep their gradient after backward.
package gradsel

import (
	"fmt"
	"strings"

	"github.com/jguan/vitune/pkg/optim"
	"github.com/jguan/vitune/pkg/tensor"
)

// Family identifies the language-model parameter layout.
type Family string

const (
	FamilyMPT   Family = "mpt"
	FamilyLlama Family = "llama"
	FamilyOther Family = "other"
)

func ParseFamily(s string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case FamilyMPT:
		return FamilyMPT, nil
	case FamilyLlama:
		return FamilyLlama, nil
	case FamilyOther, "":
		return FamilyOther, nil
	default:
		return "", fmt.Errorf("unknown model family %q (valid: mpt, llama, other)", s)
	}
}

const (
	crossAttnTag = "gated_cross_attn_layer"

	MPTEmbedding   = "lang_encoder.transformer.wte.weight"
	LlamaEmbedding = "lang_encoder.model.embed_tokens.weight"
	LlamaHead      = "lang_encoder.lm_head.weight"
)

var noDecayTags = []string{"ff_gate", "attn_gate", "norm", "bias"}

// Decays reports whether a parameter belongs in the weight-decay group:
// cross-attention weights, excluding gates, norms and biases.
func Decays(name string) bool {
	if !strings.Contains(name, crossAttnTag) {
		return false
	}
	for _, tag := range noDecayTags {
		if strings.Contains(name, tag) {
			return false
		}
	}
	return true
}

// GroupParameters splits parameters into a decayed group and a non-decayed
// group, in that order. Grouping is by name only; frozen parameters land in a
// group too and are skipped by the optimizer.
func GroupParameters(params []*tensor.Parameter, weightDecay float64) []optim.ParamGroup {
	decay := optim.ParamGroup{WeightDecay: weightDecay}
	plain := optim.ParamGroup{WeightDecay: 0}
	for _, p := range params {
		if Decays(p.Name) {
			decay.Params = append(decay.Params, p)
		} else {
			plain.Params = append(plain.Params, p)
		}
	}
	return []optim.ParamGroup{decay, plain}
}

// RestrictEmbeddingGradient zeroes every gradient row of p except keepRow.
// Parameters without a gradient or that are frozen are left alone.
func RestrictEmbeddingGradient(p *tensor.Parameter, keepRow int32) {
	if p == nil || !p.RequiresGrad || p.Grad == nil {
		return
	}
	rows, width := p.Rows(), p.RowWidth()
	for r := 0; r < rows; r++ {
		if r == int(keepRow) {
			continue
		}
		clear(p.Grad[r*width : (r+1)*width])
	}
}

// EmbeddingTargets lists the parameter names whose gradient is restricted
// for a given family.
func EmbeddingTargets(f Family) []string {
	switch f {
	case FamilyMPT:
		return []string{MPTEmbedding}
	case FamilyLlama:
		return []string{LlamaEmbedding, LlamaHead}
	default:
		return nil
	}
}

// Restrict applies RestrictEmbeddingGradient to the family's embedding
// parameters so that only the answer-marker row is learned. Names not found
// in params are skipped.
func Restrict(f Family, params []*tensor.Parameter, keepToken int32) {
	targets := EmbeddingTargets(f)
	if len(targets) == 0 {
		return
	}
	for _, p := range params {
		for _, name := range targets {
			if p.Name == name {
				RestrictEmbeddingGradient(p, keepToken)
			}
		}
	}
}
