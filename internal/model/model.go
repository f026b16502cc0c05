package model

// Batch represents a minibatch of images and labels. Each input is a flat
// channels x height x width image.
type Batch struct {
	Inputs [][]float32
	Labels []int
}

// Param is a learnable tensor together with its gradient.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// Workspace holds the activations of one forward pass and the gradients
// accumulated by backward passes through it. Grads is aligned with
// Model.Parameters.
type Workspace interface {
	Grads() [][]float32
	ZeroGrads()
}

// Model is a classifier driven one sample at a time. Forward and Backward
// only read the parameters, so distinct workspaces may run concurrently.
type Model interface {
	Name() string
	Parameters() []*Param
	NewWorkspace() Workspace
	// Forward returns log-probabilities over the classes.
	Forward(ws Workspace, input []float32) []float32
	// Backward accumulates parameter gradients into ws given the gradient of
	// the loss with respect to the last Forward output.
	Backward(ws Workspace, gradOutput []float32)
}

// Predict returns the most likely class for input.
func Predict(m Model, ws Workspace, input []float32) int {
	out := m.Forward(ws, input)
	best := 0
	for i, v := range out {
		if v > out[best] {
			best = i
		}
	}
	return best
}
