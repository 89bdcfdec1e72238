package model

import (
	"math"

	"github.com/pkg/errors"
)

// Activation names an element-wise (or, for softmax, last-axis) non-linearity.
type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Sigmoid Activation = "sigmoid"
	Tanh    Activation = "tanh"
	Softmax Activation = "softmax"
)

func (a Activation) validate() error {
	switch a {
	case "", Linear, ReLU, Sigmoid, Tanh, Softmax:
		return nil
	}
	return errors.Errorf("model: unknown activation %q", a)
}

// apply transforms data in place. Softmax normalises each run of group values.
func (a Activation) apply(data []float64, group int) {
	switch a {
	case ReLU:
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	case Sigmoid:
		for i, v := range data {
			data[i] = 1 / (1 + math.Exp(-v))
		}
	case Tanh:
		for i, v := range data {
			data[i] = math.Tanh(v)
		}
	case Softmax:
		for start := 0; start+group <= len(data); start += group {
			softmax(data[start : start+group])
		}
	}
}

// backward maps the gradient w.r.t. the activation output to the gradient
// w.r.t. its input. Every derivative is expressed in terms of the output.
func (a Activation) backward(out, grad []float64, group int) []float64 {
	dx := make([]float64, len(grad))
	switch a {
	case ReLU:
		for i, y := range out {
			if y > 0 {
				dx[i] = grad[i]
			}
		}
	case Sigmoid:
		for i, y := range out {
			dx[i] = grad[i] * y * (1 - y)
		}
	case Tanh:
		for i, y := range out {
			dx[i] = grad[i] * (1 - y*y)
		}
	case Softmax:
		for start := 0; start+group <= len(out); start += group {
			y := out[start : start+group]
			g := grad[start : start+group]
			dot := 0.0
			for j := range y {
				dot += y[j] * g[j]
			}
			for j := range y {
				dx[start+j] = y[j] * (g[j] - dot)
			}
		}
	default:
		copy(dx, grad)
	}
	return dx
}

func softmax(logits []float64) {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		logits[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range logits {
		logits[i] *= inv
	}
}
