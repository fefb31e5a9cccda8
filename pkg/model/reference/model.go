// Package reference is a tiny gated cross-attention language model. It has
// the parameter layout of the supported families and computes masked
// next-token cross-entropy with exact gradients, which is enough to drive
// the training loop end to end on a CPU.
package reference

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/jguan/vitune/pkg/checkpoint"
	"github.com/jguan/vitune/pkg/gradsel"
	"github.com/jguan/vitune/pkg/tensor"
)

const (
	VisionProj = "vision_encoder.proj.weight"
	AttnWeight = "lang_encoder.gated_cross_attn_layer.attn.weight"
	AttnGate   = "lang_encoder.gated_cross_attn_layer.attn_gate"
)

type Config struct {
	Family     gradsel.Family `json:"family"`
	VocabSize  int            `json:"vocab_size"`
	HiddenSize int            `json:"hidden_size"`
	VisionDim  int            `json:"vision_dim"`
	DType      tensor.DType   `json:"dtype"`
	Seed       uint64         `json:"seed"`
	// FreezeEmbeddings keeps the token embeddings and head fixed.
	FreezeEmbeddings bool `json:"freeze_embeddings,omitempty"`
}

func (c Config) validate() error {
	if c.VocabSize <= 0 || c.HiddenSize <= 0 || c.VisionDim <= 0 {
		return fmt.Errorf("model sizes must be positive (vocab %d, hidden %d, vision %d)", c.VocabSize, c.HiddenSize, c.VisionDim)
	}
	switch c.Family {
	case gradsel.FamilyMPT, gradsel.FamilyLlama:
		return nil
	default:
		return fmt.Errorf("reference model has no %q layout", c.Family)
	}
}

type Model struct {
	cfg    Config
	params []*tensor.Parameter
	byName map[string]*tensor.Parameter

	proj, attn, gate, embed, head *tensor.Parameter
}

func New(cfg Config) (*Model, error) {
	if cfg.DType == "" {
		cfg.DType = tensor.Float32
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Model{cfg: cfg, byName: make(map[string]*tensor.Parameter)}
	v, d, f := cfg.VocabSize, cfg.HiddenSize, cfg.VisionDim
	trainEmbed := !cfg.FreezeEmbeddings

	m.proj = m.add(VisionProj, false, d, f)
	m.attn = m.add(AttnWeight, true, d, d)
	m.gate = m.add(AttnGate, true, 1)
	switch cfg.Family {
	case gradsel.FamilyMPT:
		// MPT ties the output head to the input embedding
		m.embed = m.add(gradsel.MPTEmbedding, trainEmbed, v, d)
		m.head = m.embed
	case gradsel.FamilyLlama:
		m.embed = m.add(gradsel.LlamaEmbedding, trainEmbed, v, d)
		m.head = m.add(gradsel.LlamaHead, trainEmbed, v, d)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5eed))
	for _, p := range m.params {
		if p == m.gate {
			continue
		}
		for i := range p.Value.Data {
			p.Value.Data[i] = float32(rng.NormFloat64() * 0.02)
		}
	}
	for _, p := range m.params {
		p.Value = p.Value.Cast(cfg.DType)
	}
	return m, nil
}

func (m *Model) add(name string, trainable bool, shape ...int) *tensor.Parameter {
	p := tensor.NewParameter(name, trainable, shape...)
	m.params = append(m.params, p)
	m.byName[name] = p
	return p
}

// FromPretrained loads a full model export directory (config.json and
// weights.pt).
func FromPretrained(dir string) (*Model, error) {
	raw, err := os.ReadFile(filepath.Join(dir, checkpoint.ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	sd, err := checkpoint.ReadWeights(filepath.Join(dir, checkpoint.FullWeightsFile))
	if err != nil {
		return nil, err
	}
	if _, err := m.LoadStateDict(sd, true); err != nil {
		return nil, fmt.Errorf("load pretrained weights: %w", err)
	}
	return m, nil
}

func (m *Model) NamedParameters() []*tensor.Parameter { return m.params }

func (m *Model) Parameter(name string) *tensor.Parameter { return m.byName[name] }

func (m *Model) StateDict() tensor.StateDict {
	sd := make(tensor.StateDict, len(m.params))
	for _, p := range m.params {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

func (m *Model) LoadStateDict(sd tensor.StateDict, strict bool) (tensor.LoadResult, error) {
	return tensor.LoadInto(m.params, sd, strict)
}

func (m *Model) DType() tensor.DType    { return m.cfg.DType }
func (m *Model) Family() gradsel.Family { return m.cfg.Family }
func (m *Model) Config() any            { return m.cfg }
func (m *Model) ModelConfig() Config    { return m.cfg }

func (m *Model) gateValue() float64 {
	return math.Tanh(float64(m.gate.Value.Data[0]))
}
