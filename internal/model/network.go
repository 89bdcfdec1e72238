package model

import (
	"github.com/pkg/errors"
)

// Network is a shared convolutional trunk feeding the age, race and gender
// heads. It is read-only once built.
type Network struct {
	inputShape []int
	trunk      []Layer
	heads      map[string][]Layer
}

// InputShape returns the HxWxC shape the network expects.
func (n *Network) InputShape() []int { return append([]int(nil), n.inputShape...) }

// LayerNames lists every layer, trunk first then heads in HeadNames order.
func (n *Network) LayerNames() []string {
	var names []string
	for _, l := range n.trunk {
		names = append(names, l.Name())
	}
	for _, head := range HeadNames {
		for _, l := range n.heads[head] {
			names = append(names, l.Name())
		}
	}
	return names
}

func (n *Network) checkInput(x *Tensor) error {
	if x == nil || !sameShape(x.Shape, n.inputShape) || x.Len() != prod(n.inputShape) {
		var got []int
		if x != nil {
			got = x.Shape
		}
		return errors.Wrapf(ErrShapeMismatch, "input %v, want %v", got, n.inputShape)
	}
	return nil
}

// Predict runs the trunk once and every head on its output.
func (n *Network) Predict(x *Tensor) (Prediction, error) {
	if err := n.checkInput(x); err != nil {
		return Prediction{}, err
	}
	acts, err := forward(n.trunk, x)
	if err != nil {
		return Prediction{}, err
	}
	features := acts[len(acts)-1]
	outputs := make(map[string][]float64, len(n.heads))
	for head, layers := range n.heads {
		out, err := forward(layers, features)
		if err != nil {
			return Prediction{}, errors.Wrapf(err, "head %s", head)
		}
		outputs[head] = out[len(out)-1].Data
	}
	return Prediction{
		Age:    outputs[AgeOutput][0],
		Race:   outputs[RaceOutput],
		Gender: outputs[GenderOutput],
	}, nil
}

// path returns the layers from the input up to and including name.
func (n *Network) path(name string) ([]Layer, error) {
	for i, l := range n.trunk {
		if l.Name() == name {
			return n.trunk[:i+1], nil
		}
	}
	for _, head := range HeadNames {
		for i, l := range n.heads[head] {
			if l.Name() == name {
				p := make([]Layer, 0, len(n.trunk)+i+1)
				p = append(p, n.trunk...)
				return append(p, n.heads[head][:i+1]...), nil
			}
		}
	}
	return nil, errors.Wrapf(ErrUnknownLayer, "%q", name)
}

// InputGradient computes the gradient w.r.t. x of the scalar whose gradient
// w.r.t. the named layer output is seed(output).
func (n *Network) InputGradient(x *Tensor, layer string, seed GradientFunc) (*Tensor, error) {
	if err := n.checkInput(x); err != nil {
		return nil, err
	}
	layers, err := n.path(layer)
	if err != nil {
		return nil, err
	}
	acts, err := forward(layers, x)
	if err != nil {
		return nil, err
	}
	grad := seed(acts[len(acts)-1])
	if grad == nil || grad.Len() != acts[len(acts)-1].Len() {
		return nil, errors.Wrapf(ErrShapeMismatch, "seed gradient for layer %s", layer)
	}
	for i := len(layers) - 1; i >= 0; i-- {
		if grad, err = layers[i].Backward(acts[i], acts[i+1], grad); err != nil {
			return nil, errors.Wrapf(err, "backprop %s", layers[i].Name())
		}
	}
	return grad, nil
}

// Ones is the seed for the gradient of the sum of a layer's outputs.
func Ones(out *Tensor) *Tensor {
	g := NewTensor(out.Shape...)
	for i := range g.Data {
		g.Data[i] = 1
	}
	return g
}

func forward(layers []Layer, x *Tensor) ([]*Tensor, error) {
	acts := make([]*Tensor, 0, len(layers)+1)
	acts = append(acts, x)
	for _, l := range layers {
		out, err := l.Forward(acts[len(acts)-1])
		if err != nil {
			return nil, errors.Wrapf(err, "forward %s", l.Name())
		}
		acts = append(acts, out)
	}
	return acts, nil
}
