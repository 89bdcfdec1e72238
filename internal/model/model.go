package model

import "github.com/pkg/errors"

// Output head names of the three-headed network.
const (
	AgeOutput    = "age_output"
	RaceOutput   = "race_output"
	GenderOutput = "gender_output"
)

// HeadNames lists the heads in evaluation order.
var HeadNames = []string{AgeOutput, RaceOutput, GenderOutput}

var (
	// ErrUnknownLayer is returned when a named layer does not exist.
	ErrUnknownLayer = errors.New("model: unknown layer")
	// ErrShapeMismatch is returned when a tensor does not fit a layer.
	ErrShapeMismatch = errors.New("model: shape mismatch")
)

// Tensor is a dense row-major float64 array. Images are stored HWC.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, prod(shape))}
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// Len is the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Batch represents a minibatch of images and their targets. Ages are
// normalised by the dataset maximum; races and genders are one-hot.
type Batch struct {
	Keys    []string
	Inputs  []*Tensor
	Ages    []float64
	Races   [][]float64
	Genders [][]float64
}

// Len is the number of samples in the batch.
func (b Batch) Len() int { return len(b.Inputs) }

// Prediction holds the outputs of the three heads for one input.
type Prediction struct {
	Age    float64
	Race   []float64
	Gender []float64
}

// Predictor is the minimal inference functionality required by the evaluator.
type Predictor interface {
	Predict(x *Tensor) (Prediction, error)
}

// GradientFunc produces the upstream gradient for a layer output.
type GradientFunc func(out *Tensor) *Tensor

// Differentiable is a Predictor that exposes input gradients of named layers.
type Differentiable interface {
	Predictor
	InputGradient(x *Tensor, layer string, seed GradientFunc) (*Tensor, error)
}

func prod(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
