package tensor

// Parameter is a named trainable tensor together with its gradient buffer.
// Grad is nil until a backward pass writes to it.
type Parameter struct {
	Name         string
	Value        Tensor
	Grad         []float32
	RequiresGrad bool
}

func NewParameter(name string, requiresGrad bool, shape ...int) *Parameter {
	return &Parameter{
		Name:         name,
		Value:        New(shape...),
		RequiresGrad: requiresGrad,
	}
}

// Rows is the size of the leading dimension.
func (p *Parameter) Rows() int {
	if len(p.Value.Shape) == 0 {
		return 0
	}
	return p.Value.Shape[0]
}

// RowWidth is the number of elements per leading-dimension row.
func (p *Parameter) RowWidth() int {
	r := p.Rows()
	if r == 0 {
		return 0
	}
	return len(p.Value.Data) / r
}

// EnsureGrad allocates the gradient buffer on first use.
func (p *Parameter) EnsureGrad() []float32 {
	if p.Grad == nil {
		p.Grad = make([]float32, len(p.Value.Data))
	}
	return p.Grad
}

// ZeroGrad drops the gradient buffer.
func (p *Parameter) ZeroGrad() { p.Grad = nil }

// Loss is a scalar produced by a forward pass that can propagate gradients
// into the parameters it was computed from.
type Loss interface {
	Value() float64
	// Backward accumulates scale * dLoss/dParam into every parameter gradient.
	Backward(scale float64) error
}
