// Package attack builds adversarial inputs with the Fast Gradient Sign Method.
package attack

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"utkrobust/internal/model"
)

// ErrInvalidClip is returned when ClipMin exceeds ClipMax.
var ErrInvalidClip = errors.New("attack: clip_min must not exceed clip_max")

// DefaultLayer is the internal dense layer whose activations drive the attack.
const DefaultLayer = "dense_3"

// Options configures FGSM.
type Options struct {
	Eps       float64
	ClipMin   float64
	ClipMax   float64
	Objective Objective
}

// DefaultOptions returns eps 0.3, the [0,1] pixel range and the dense_3
// activation objective.
func DefaultOptions() Options {
	return Options{Eps: 0.3, ClipMin: 0, ClipMax: 1, Objective: LayerObjective{Layer: DefaultLayer}}
}

func (o Options) validate() error {
	if o.ClipMin > o.ClipMax {
		return errors.Wrapf(ErrInvalidClip, "[%g, %g]", o.ClipMin, o.ClipMax)
	}
	if math.IsNaN(o.Eps) || math.IsInf(o.Eps, 0) {
		return errors.Errorf("attack: eps must be finite (got %g)", o.Eps)
	}
	if o.Objective == nil {
		return errors.New("attack: no objective")
	}
	return nil
}

// FGSM returns clip(x + eps*sign(grad), ClipMin, ClipMax) where grad is the
// input gradient of the objective. race is the one-hot race label of x; it is
// only read by label dependent objectives. x is not modified.
func FGSM(net model.Differentiable, x *model.Tensor, race []float64, opts Options) (*model.Tensor, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	adv := x.Clone()
	if opts.Eps != 0 {
		layer, seed := opts.Objective.Target(race)
		grad, err := net.InputGradient(x, layer, seed)
		if err != nil {
			return nil, errors.Wrap(err, "fgsm gradient")
		}
		floats.AddScaled(adv.Data, opts.Eps, Sign(grad.Data))
	}
	Clip(adv.Data, opts.ClipMin, opts.ClipMax)
	return adv, nil
}

// Batch perturbs every input of b, running up to workers samples at once.
func Batch(ctx context.Context, net model.Differentiable, b model.Batch, opts Options, workers int) ([]*model.Tensor, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	out := make([]*model.Tensor, b.Len())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range b.Inputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var race []float64
			if i < len(b.Races) {
				race = b.Races[i]
			}
			adv, err := FGSM(net, b.Inputs[i], race, opts)
			if err != nil {
				return errors.Wrapf(err, "sample %d", i)
			}
			out[i] = adv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Sign returns the element-wise sign of v (0 for zero).
func Sign(v []float64) []float64 {
	s := make([]float64, len(v))
	for i, x := range v {
		switch {
		case x > 0:
			s[i] = 1
		case x < 0:
			s[i] = -1
		}
	}
	return s
}

// Clip bounds every value of v to [lo, hi] in place.
func Clip(v []float64, lo, hi float64) {
	for i, x := range v {
		v[i] = math.Min(math.Max(x, lo), hi)
	}
}
