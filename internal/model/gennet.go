package model

import (
	"errors"
	"fmt"
	"math/rand"
)

// GenNetName is recorded in derived datasets as the model name.
const GenNetName = "simpleScalingCNN"

// NumClasses is the width of GenNet's output layer.
const NumClasses = 10

const (
	kernelSize    = 5
	conv1Channels = 10
	conv2Channels = 20
	hiddenUnits   = 50
	minInputDim   = 16
)

// ErrInputTooSmall is returned when the spatial size cannot survive both
// convolution and pooling stages.
var ErrInputTooSmall = errors.New("model: input dimension too small")

// GenNet is a two-stage convolutional classifier sized from the input's
// channel count and square spatial dimension:
//
//	conv5x5(C->10) -> maxpool2 -> relu -> conv5x5(10->20) -> maxpool2 -> relu
//	-> linear(20*f*f -> 50) -> relu -> linear(50 -> 10) -> log_softmax
//
// where f = ((dim-4)/2 - 4)/2.
type GenNet struct {
	inputChannels int
	dim           int

	conv1H, pool1H int
	conv2H, pool2H int
	features       int

	conv1W, conv1B *Param
	conv2W, conv2B *Param
	fc1W, fc1B     *Param
	fc2W, fc2B     *Param
	params         []*Param
}

// NewGenNet constructs the network with seeded uniform initialisation.
func NewGenNet(inputChannels, dim int, seed int64) (*GenNet, error) {
	if inputChannels <= 0 {
		return nil, fmt.Errorf("model: input channels must be > 0 (got %d)", inputChannels)
	}
	if dim < minInputDim {
		return nil, fmt.Errorf("%w: %d < %d", ErrInputTooSmall, dim, minInputDim)
	}
	n := &GenNet{inputChannels: inputChannels, dim: dim}
	n.conv1H = dim - kernelSize + 1
	n.pool1H = n.conv1H / 2
	n.conv2H = n.pool1H - kernelSize + 1
	n.pool2H = n.conv2H / 2
	n.features = conv2Channels * n.pool2H * n.pool2H

	n.conv1W = newParam("conv1.weight", conv1Channels, inputChannels, kernelSize, kernelSize)
	n.conv1B = newParam("conv1.bias", conv1Channels)
	n.conv2W = newParam("conv2.weight", conv2Channels, conv1Channels, kernelSize, kernelSize)
	n.conv2B = newParam("conv2.bias", conv2Channels)
	n.fc1W = newParam("fc1.weight", hiddenUnits, n.features)
	n.fc1B = newParam("fc1.bias", hiddenUnits)
	n.fc2W = newParam("fc2.weight", NumClasses, hiddenUnits)
	n.fc2B = newParam("fc2.bias", NumClasses)
	n.params = []*Param{n.conv1W, n.conv1B, n.conv2W, n.conv2B, n.fc1W, n.fc1B, n.fc2W, n.fc2B}

	rng := rand.New(rand.NewSource(seed))
	fanIn1 := inputChannels * kernelSize * kernelSize
	fanIn2 := conv1Channels * kernelSize * kernelSize
	uniformInit(rng, n.conv1W.Data, fanIn1)
	uniformInit(rng, n.conv1B.Data, fanIn1)
	uniformInit(rng, n.conv2W.Data, fanIn2)
	uniformInit(rng, n.conv2B.Data, fanIn2)
	uniformInit(rng, n.fc1W.Data, n.features)
	uniformInit(rng, n.fc1B.Data, n.features)
	uniformInit(rng, n.fc2W.Data, hiddenUnits)
	uniformInit(rng, n.fc2B.Data, hiddenUnits)
	return n, nil
}

// Name returns GenNetName.
func (n *GenNet) Name() string { return GenNetName }

// InputChannels returns the channel count the network was built for.
func (n *GenNet) InputChannels() int { return n.inputChannels }

// Dim returns the spatial size the network was built for.
func (n *GenNet) Dim() int { return n.dim }

// InputSize is the flat length of one input image.
func (n *GenNet) InputSize() int { return n.inputChannels * n.dim * n.dim }

// Parameters returns the learnable tensors in a fixed order.
func (n *GenNet) Parameters() []*Param { return n.params }

type genNetWorkspace struct {
	input  []float32
	conv1  []float32
	pool1  []float32
	arg1   []int
	conv2  []float32
	pool2  []float32
	arg2   []int
	hidden []float32
	logits []float32
	out    []float32

	gLogits []float32
	gHidden []float32
	gPool2  []float32
	gConv2  []float32
	gPool1  []float32
	gConv1  []float32

	grads [][]float32
}

func (ws *genNetWorkspace) Grads() [][]float32 { return ws.grads }

func (ws *genNetWorkspace) ZeroGrads() {
	for _, g := range ws.grads {
		clear(g)
	}
}

// NewWorkspace allocates activation and gradient buffers for one worker.
func (n *GenNet) NewWorkspace() Workspace {
	c1 := conv1Channels * n.conv1H * n.conv1H
	p1 := conv1Channels * n.pool1H * n.pool1H
	c2 := conv2Channels * n.conv2H * n.conv2H
	ws := &genNetWorkspace{
		conv1:   make([]float32, c1),
		pool1:   make([]float32, p1),
		arg1:    make([]int, p1),
		conv2:   make([]float32, c2),
		pool2:   make([]float32, n.features),
		arg2:    make([]int, n.features),
		hidden:  make([]float32, hiddenUnits),
		logits:  make([]float32, NumClasses),
		out:     make([]float32, NumClasses),
		gLogits: make([]float32, NumClasses),
		gHidden: make([]float32, hiddenUnits),
		gPool2:  make([]float32, n.features),
		gConv2:  make([]float32, c2),
		gPool1:  make([]float32, p1),
		gConv1:  make([]float32, c1),
	}
	for _, p := range n.params {
		ws.grads = append(ws.grads, make([]float32, len(p.Data)))
	}
	return ws
}

// Forward runs one image through the network and returns log-probabilities.
// The returned slice is owned by ws.
func (n *GenNet) Forward(w Workspace, input []float32) []float32 {
	ws := w.(*genNetWorkspace)
	if len(input) != n.InputSize() {
		panic(fmt.Sprintf("model: input has %d values, want %d", len(input), n.InputSize()))
	}
	ws.input = input

	conv2dForward(input, n.inputChannels, n.dim, n.dim, n.conv1W.Data, n.conv1B.Data, conv1Channels, kernelSize, ws.conv1)
	maxPool2Forward(ws.conv1, conv1Channels, n.conv1H, n.conv1H, ws.pool1, ws.arg1)
	reluForward(ws.pool1)

	conv2dForward(ws.pool1, conv1Channels, n.pool1H, n.pool1H, n.conv2W.Data, n.conv2B.Data, conv2Channels, kernelSize, ws.conv2)
	maxPool2Forward(ws.conv2, conv2Channels, n.conv2H, n.conv2H, ws.pool2, ws.arg2)
	reluForward(ws.pool2)

	linearForward(ws.pool2, n.fc1W.Data, n.fc1B.Data, ws.hidden)
	reluForward(ws.hidden)
	linearForward(ws.hidden, n.fc2W.Data, n.fc2B.Data, ws.logits)
	logSoftmax(ws.logits, ws.out)
	return ws.out
}

// Backward accumulates gradients for the sample last passed to Forward.
func (n *GenNet) Backward(w Workspace, gradOutput []float32) {
	ws := w.(*genNetWorkspace)
	g := ws.grads

	logSoftmaxBackward(ws.out, gradOutput, ws.gLogits)
	linearBackward(ws.hidden, n.fc2W.Data, ws.gLogits, ws.gHidden, g[6], g[7])
	reluBackward(ws.hidden, ws.gHidden)
	linearBackward(ws.pool2, n.fc1W.Data, ws.gHidden, ws.gPool2, g[4], g[5])
	reluBackward(ws.pool2, ws.gPool2)

	maxPool2Backward(ws.gPool2, ws.arg2, ws.gConv2)
	clear(ws.gPool1)
	conv2dBackward(ws.pool1, conv1Channels, n.pool1H, n.pool1H, n.conv2W.Data, conv2Channels, kernelSize, ws.gConv2, ws.gPool1, g[2], g[3])
	reluBackward(ws.pool1, ws.gPool1)

	maxPool2Backward(ws.gPool1, ws.arg1, ws.gConv1)
	conv2dBackward(ws.input, n.inputChannels, n.dim, n.dim, n.conv1W.Data, conv1Channels, kernelSize, ws.gConv1, nil, g[0], g[1])
}
