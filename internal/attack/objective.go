package attack

import (
	"github.com/pkg/errors"

	"utkrobust/internal/model"
)

// Objective kinds accepted by ParseObjective.
const (
	KindLayer    = "layer"
	KindRaceLoss = "race_loss"
)

// crossentropyEpsilon matches the Keras backend fuzz factor.
const crossentropyEpsilon = 1e-7

// Objective selects the scalar whose input gradient drives the attack.
type Objective interface {
	// Target returns the layer to differentiate and the gradient of the
	// scalar w.r.t. that layer's output, given the sample's race label.
	Target(race []float64) (string, model.GradientFunc)
}

// LayerObjective maximises the sum of a layer's activations.
type LayerObjective struct {
	Layer string
}

func (o LayerObjective) Target(_ []float64) (string, model.GradientFunc) {
	return o.Layer, model.Ones
}

// RaceLossObjective maximises the race categorical cross-entropy.
type RaceLossObjective struct{}

func (RaceLossObjective) Target(race []float64) (string, model.GradientFunc) {
	return model.RaceOutput, func(out *model.Tensor) *model.Tensor {
		return crossentropyGrad(race, out)
	}
}

// crossentropyGrad differentiates -sum(y*log(clip(p/sum(p)))) w.r.t. p.
func crossentropyGrad(y []float64, out *model.Tensor) *model.Tensor {
	if len(y) != out.Len() {
		return nil
	}
	g := model.NewTensor(out.Shape...)
	total := 0.0
	for _, p := range out.Data {
		total += p
	}
	if total == 0 {
		return g
	}
	// Clipped classes are constant and contribute nothing.
	active := 0.0
	for i, p := range out.Data {
		q := p / total
		if q > crossentropyEpsilon && q < 1-crossentropyEpsilon {
			g.Data[i] = -y[i] / p
			active += y[i]
		}
	}
	for i := range g.Data {
		g.Data[i] += active / total
	}
	return g
}

// ParseObjective maps a configured kind to an Objective.
func ParseObjective(kind, layer string) (Objective, error) {
	switch kind {
	case "", KindLayer:
		if layer == "" {
			layer = DefaultLayer
		}
		return LayerObjective{Layer: layer}, nil
	case KindRaceLoss:
		return RaceLossObjective{}, nil
	}
	return nil, errors.Errorf("attack: unknown objective %q", kind)
}
