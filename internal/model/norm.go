package model

import (
	"math"

	"github.com/pkg/errors"
)

// BatchNorm applies inference-time batch normalisation over the last axis
// using the stored moving statistics.
type BatchNorm struct {
	name  string
	scale []float64
	shift []float64
}

func newBatchNorm(name string, gamma, beta, mean, variance []float64, eps float64) *BatchNorm {
	bn := &BatchNorm{name: name, scale: make([]float64, len(gamma)), shift: make([]float64, len(gamma))}
	for c := range gamma {
		bn.scale[c] = gamma[c] / math.Sqrt(variance[c]+eps)
		bn.shift[c] = beta[c] - mean[c]*bn.scale[c]
	}
	return bn
}

func (b *BatchNorm) Name() string { return b.name }

func (b *BatchNorm) OutShape(in []int) ([]int, error) {
	if lastDim(in) != len(b.scale) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: want %d channels, got %v", b.name, len(b.scale), in)
	}
	return append([]int(nil), in...), nil
}

func (b *BatchNorm) Forward(in *Tensor) (*Tensor, error) {
	if _, err := b.OutShape(in.Shape); err != nil {
		return nil, err
	}
	out := in.Clone()
	ch := len(b.scale)
	for i := range out.Data {
		c := i % ch
		out.Data[i] = out.Data[i]*b.scale[c] + b.shift[c]
	}
	return out, nil
}

func (b *BatchNorm) Backward(in, out, grad *Tensor) (*Tensor, error) {
	if grad.Len() != in.Len() {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: gradient %v for input %v", b.name, grad.Shape, in.Shape)
	}
	dx := NewTensor(in.Shape...)
	ch := len(b.scale)
	for i, g := range grad.Data {
		dx.Data[i] = g * b.scale[i%ch]
	}
	return dx, nil
}

// GlobalMaxPool2D reduces each channel of an HWC tensor to its maximum.
type GlobalMaxPool2D struct {
	name string
}

func (g *GlobalMaxPool2D) Name() string { return g.name }

func (g *GlobalMaxPool2D) OutShape(in []int) ([]int, error) {
	if len(in) != 3 || in[0]*in[1] == 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: want non-empty HxWxC, got %v", g.name, in)
	}
	return []int{in[2]}, nil
}

func (g *GlobalMaxPool2D) argmax(in *Tensor) []int {
	ch := in.Shape[2]
	idx := make([]int, ch)
	for c := range idx {
		idx[c] = c
		for i := c; i < in.Len(); i += ch {
			if in.Data[i] > in.Data[idx[c]] {
				idx[c] = i
			}
		}
	}
	return idx
}

func (g *GlobalMaxPool2D) Forward(in *Tensor) (*Tensor, error) {
	shape, err := g.OutShape(in.Shape)
	if err != nil {
		return nil, err
	}
	out := NewTensor(shape...)
	for c, i := range g.argmax(in) {
		out.Data[c] = in.Data[i]
	}
	return out, nil
}

func (g *GlobalMaxPool2D) Backward(in, out, grad *Tensor) (*Tensor, error) {
	if !sameShape(out.Shape, grad.Shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: gradient %v for output %v", g.name, grad.Shape, out.Shape)
	}
	dx := NewTensor(in.Shape...)
	for c, i := range g.argmax(in) {
		dx.Data[i] = grad.Data[c]
	}
	return dx, nil
}
