package model

import (
	"math"
	"math/rand"
)

// Architecture describes the reference three-headed face network: a stack of
// 3x3 relu conv blocks (every block after the first adds batch norm and 2x2
// max pooling), a global max pool bottleneck, and per head one relu hidden
// dense layer followed by the output layer.
type Architecture struct {
	InputShape  []int
	ConvFilters []int
	Hidden      int
}

// DefaultArchitecture matches the 198x198 RGB face model.
func DefaultArchitecture() Architecture {
	return Architecture{
		InputShape:  []int{198, 198, 3},
		ConvFilters: []int{32, 64, 96, 128, 160, 192},
		Hidden:      128,
	}
}

// NewRandomSpec builds a Glorot-uniform initialised Spec for arch. It is
// meant for smoke runs and tests; the weights are untrained.
func NewRandomSpec(arch Architecture, seed int64) *Spec {
	if len(arch.InputShape) != 3 {
		arch.InputShape = DefaultArchitecture().InputShape
	}
	if len(arch.ConvFilters) == 0 {
		arch.ConvFilters = DefaultArchitecture().ConvFilters
	}
	if arch.Hidden <= 0 {
		arch.Hidden = DefaultArchitecture().Hidden
	}
	rng := rand.New(rand.NewSource(seed))
	spec := &Spec{
		InputShape: append([]int(nil), arch.InputShape...),
		Heads:      make(map[string][]LayerSpec, len(HeadNames)),
	}
	cin := arch.InputShape[2]
	for i, filters := range arch.ConvFilters {
		spec.Trunk = append(spec.Trunk, LayerSpec{
			Kind:       KindConv2D,
			Filters:    filters,
			KernelSize: 3,
			Activation: ReLU,
			Kernel:     glorot(rng, 3*3*cin*filters, 9*cin, 9*filters),
			Bias:       make([]float64, filters),
		})
		if i > 0 {
			spec.Trunk = append(spec.Trunk,
				LayerSpec{
					Kind:       KindBatchNorm,
					Gamma:      fill(filters, 1),
					Beta:       fill(filters, 0),
					MovingMean: fill(filters, 0),
					MovingVar:  fill(filters, 1),
				},
				LayerSpec{Kind: KindMaxPool2D, PoolSize: 2},
			)
		}
		cin = filters
	}
	spec.Trunk = append(spec.Trunk, LayerSpec{Kind: KindGlobalMaxPool2D})

	outputs := map[string]Activation{AgeOutput: Sigmoid, RaceOutput: Softmax, GenderOutput: Softmax}
	for _, head := range HeadNames {
		units := headUnits[head]
		spec.Heads[head] = []LayerSpec{
			{
				Kind:       KindDense,
				Units:      arch.Hidden,
				Activation: ReLU,
				Kernel:     glorot(rng, cin*arch.Hidden, cin, arch.Hidden),
				Bias:       make([]float64, arch.Hidden),
			},
			{
				Kind:       KindDense,
				Units:      units,
				Activation: outputs[head],
				Kernel:     glorot(rng, arch.Hidden*units, arch.Hidden, units),
				Bias:       make([]float64, units),
			},
		}
	}
	return spec
}

func glorot(rng *rand.Rand, n, fanIn, fanOut int) []float64 {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	w := make([]float64, n)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return w
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
