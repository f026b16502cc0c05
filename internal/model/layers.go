package model

import (
	"math"
	"math/rand"
)

// Valid (unpadded) stride-1 convolution. Tensors are channel-major:
// in[c][y][x], weight[oc][ic][ky][kx], out[oc][y][x].

func conv2dForward(in []float32, inC, h, w int, weight, bias []float32, outC, k int, out []float32) {
	outH, outW := h-k+1, w-k+1
	for oc := 0; oc < outC; oc++ {
		plane := out[oc*outH*outW : (oc+1)*outH*outW]
		for i := range plane {
			plane[i] = bias[oc]
		}
		for ic := 0; ic < inC; ic++ {
			src := in[ic*h*w : (ic+1)*h*w]
			kern := weight[(oc*inC+ic)*k*k : (oc*inC+ic+1)*k*k]
			for ky := 0; ky < k; ky++ {
				for kx := 0; kx < k; kx++ {
					wv := kern[ky*k+kx]
					for oy := 0; oy < outH; oy++ {
						row := src[(oy+ky)*w+kx : (oy+ky)*w+kx+outW]
						dst := plane[oy*outW : (oy+1)*outW]
						for ox, v := range row {
							dst[ox] += wv * v
						}
					}
				}
			}
		}
	}
}

// conv2dBackward accumulates weight and bias gradients and, when gradIn is
// non-nil, adds the input gradient into it.
func conv2dBackward(in []float32, inC, h, w int, weight []float32, outC, k int, gradOut, gradIn, gradW, gradB []float32) {
	outH, outW := h-k+1, w-k+1
	for oc := 0; oc < outC; oc++ {
		gplane := gradOut[oc*outH*outW : (oc+1)*outH*outW]
		var sum float32
		for _, g := range gplane {
			sum += g
		}
		gradB[oc] += sum
		for ic := 0; ic < inC; ic++ {
			src := in[ic*h*w : (ic+1)*h*w]
			off := (oc*inC + ic) * k * k
			for ky := 0; ky < k; ky++ {
				for kx := 0; kx < k; kx++ {
					var acc float32
					wv := weight[off+ky*k+kx]
					for oy := 0; oy < outH; oy++ {
						row := src[(oy+ky)*w+kx : (oy+ky)*w+kx+outW]
						grow := gplane[oy*outW : (oy+1)*outW]
						for ox, g := range grow {
							acc += g * row[ox]
						}
						if gradIn != nil {
							dst := gradIn[ic*h*w+(oy+ky)*w+kx : ic*h*w+(oy+ky)*w+kx+outW]
							for ox, g := range grow {
								dst[ox] += g * wv
							}
						}
					}
					gradW[off+ky*k+kx] += acc
				}
			}
		}
	}
}

// maxPool2Forward applies a 2x2 stride-2 max pool, dropping a trailing odd
// row or column, and records the winning input index of every output.
func maxPool2Forward(in []float32, c, h, w int, out []float32, argmax []int) {
	outH, outW := h/2, w/2
	for ch := 0; ch < c; ch++ {
		base := ch * h * w
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best := base + 2*oy*w + 2*ox
				for _, idx := range [3]int{best + 1, best + w, best + w + 1} {
					if in[idx] > in[best] {
						best = idx
					}
				}
				o := (ch*outH+oy)*outW + ox
				out[o] = in[best]
				argmax[o] = best
			}
		}
	}
}

func maxPool2Backward(gradOut []float32, argmax []int, gradIn []float32) {
	clear(gradIn)
	for o, idx := range argmax {
		gradIn[idx] += gradOut[o]
	}
}

func reluForward(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// reluBackward masks grad where the activated output was clipped.
func reluBackward(out, grad []float32) {
	for i, v := range out {
		if v <= 0 {
			grad[i] = 0
		}
	}
}

// linearForward computes out = weight*in + bias with weight stored [out][in].
func linearForward(in, weight, bias, out []float32) {
	n := len(in)
	for o := range out {
		row := weight[o*n : (o+1)*n]
		sum := bias[o]
		for i, v := range in {
			sum += row[i] * v
		}
		out[o] = sum
	}
}

func linearBackward(in, weight, gradOut, gradIn, gradW, gradB []float32) {
	n := len(in)
	if gradIn != nil {
		clear(gradIn)
	}
	for o, g := range gradOut {
		gradB[o] += g
		row := weight[o*n : (o+1)*n]
		grow := gradW[o*n : (o+1)*n]
		for i, v := range in {
			grow[i] += g * v
			if gradIn != nil {
				gradIn[i] += g * row[i]
			}
		}
	}
}

func logSoftmax(x, out []float32) {
	maxV := x[0]
	for _, v := range x {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v - maxV))
	}
	lse := maxV + float32(math.Log(sum))
	for i, v := range x {
		out[i] = v - lse
	}
}

// logSoftmaxBackward maps the gradient at the log-probabilities out back to
// the logits: g_i - softmax_i * sum(g).
func logSoftmaxBackward(out, gradOut, gradIn []float32) {
	var sum float32
	for _, g := range gradOut {
		sum += g
	}
	for i, v := range out {
		gradIn[i] = gradOut[i] - float32(math.Exp(float64(v)))*sum
	}
}

// uniformInit fills p with U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func uniformInit(rng *rand.Rand, p []float32, fanIn int) {
	bound := 1 / math.Sqrt(float64(fanIn))
	for i := range p {
		p[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}
