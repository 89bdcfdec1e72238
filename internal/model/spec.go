package model

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Layer kinds understood by Build.
const (
	KindConv2D          = "conv2d"
	KindMaxPool2D       = "maxpool2d"
	KindGlobalMaxPool2D = "globalmaxpool2d"
	KindBatchNorm       = "batchnorm"
	KindFlatten         = "flatten"
	KindDense           = "dense"
	KindActivation      = "activation"
)

// LayerSpec is the serialized form of one layer. Kernels use the Keras
// layouts: kh×kw×cin×cout for conv2d and in×units for dense.
type LayerSpec struct {
	Kind       string
	Name       string
	Filters    int
	KernelSize int
	Stride     int
	Padding    string
	PoolSize   int
	Units      int
	Activation Activation
	Kernel     []float64
	Bias       []float64

	// batchnorm
	Gamma, Beta           []float64
	MovingMean, MovingVar []float64
	Epsilon               float64
}

// Spec is the serialized form of a three-headed network.
type Spec struct {
	InputShape []int
	Trunk      []LayerSpec
	Heads      map[string][]LayerSpec
}

var headUnits = map[string]int{AgeOutput: 1, RaceOutput: 5, GenderOutput: 2}

// kerasPrefix is the automatic name prefix Keras gives each layer class.
var kerasPrefix = map[string]string{
	KindConv2D:          "conv2d",
	KindMaxPool2D:       "max_pooling2d",
	KindGlobalMaxPool2D: "global_max_pooling2d",
	KindBatchNorm:       "batch_normalization",
	KindFlatten:         "flatten",
	KindDense:           "dense",
	KindActivation:      "activation",
}

// Save writes spec to path as gob.
func Save(path string, spec *Spec) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path))
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create model file")
	}
	w := bufio.NewWriter(f)
	if err := gob.NewEncoder(w).Encode(spec); err != nil {
		f.Close()
		return errors.Wrap(err, "encode model")
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "write model")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close model file")
	}
	return os.Rename(tmp, path)
}

// LoadSpec reads a gob encoded Spec from path.
func LoadSpec(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open model file")
	}
	defer f.Close()
	spec := &Spec{}
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(spec); err != nil {
		return nil, errors.Wrapf(err, "decode model %s", path)
	}
	return spec, nil
}

// Load reads and builds the network stored at path.
func Load(path string) (*Network, error) {
	spec, err := LoadSpec(path)
	if err != nil {
		return nil, err
	}
	net, err := Build(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "build model %s", path)
	}
	return net, nil
}

// Build validates spec and constructs the network. Unnamed layers get Keras
// style names (conv2d_1, batch_normalization_1, dense_3, ...); the last layer
// of a head is named after the head.
func Build(spec *Spec) (*Network, error) {
	if spec == nil {
		return nil, errors.New("model: nil spec")
	}
	if len(spec.InputShape) != 3 {
		return nil, errors.Wrapf(ErrShapeMismatch, "input shape must be HxWxC, got %v", spec.InputShape)
	}
	b := &builder{counts: map[string]int{}, seen: map[string]bool{}}
	net := &Network{
		inputShape: append([]int(nil), spec.InputShape...),
		heads:      make(map[string][]Layer, len(HeadNames)),
	}
	trunk, shape, err := b.stack(spec.Trunk, spec.InputShape, "")
	if err != nil {
		return nil, err
	}
	net.trunk = trunk
	for _, head := range HeadNames {
		specs, ok := spec.Heads[head]
		if !ok || len(specs) == 0 {
			return nil, errors.Errorf("model: missing head %s", head)
		}
		layers, out, err := b.stack(specs, shape, head)
		if err != nil {
			return nil, err
		}
		if len(out) != 1 || out[0] != headUnits[head] {
			return nil, errors.Wrapf(ErrShapeMismatch, "head %s must output [%d], got %v", head, headUnits[head], out)
		}
		net.heads[head] = layers
	}
	for head := range spec.Heads {
		if _, ok := headUnits[head]; !ok {
			return nil, errors.Errorf("model: unexpected head %s", head)
		}
	}
	return net, nil
}

type builder struct {
	counts map[string]int
	seen   map[string]bool
}

func (b *builder) stack(specs []LayerSpec, in []int, head string) ([]Layer, []int, error) {
	layers := make([]Layer, 0, len(specs))
	shape := in
	for i, ls := range specs {
		name := ls.Name
		if name == "" && head != "" && i == len(specs)-1 {
			name = head
		}
		if name == "" {
			prefix, ok := kerasPrefix[ls.Kind]
			if !ok {
				prefix = ls.Kind
			}
			b.counts[prefix]++
			name = fmt.Sprintf("%s_%d", prefix, b.counts[prefix])
		}
		if b.seen[name] {
			return nil, nil, errors.Errorf("model: duplicate layer name %s", name)
		}
		b.seen[name] = true
		layer, err := buildLayer(name, ls, shape)
		if err != nil {
			return nil, nil, err
		}
		if shape, err = layer.OutShape(shape); err != nil {
			return nil, nil, err
		}
		layers = append(layers, layer)
	}
	return layers, shape, nil
}

func buildLayer(name string, ls LayerSpec, in []int) (Layer, error) {
	if err := ls.Activation.validate(); err != nil {
		return nil, errors.Wrap(err, name)
	}
	switch ls.Kind {
	case KindConv2D:
		if len(in) != 3 {
			return nil, errors.Wrapf(ErrShapeMismatch, "%s: want HxWxC input, got %v", name, in)
		}
		if ls.Filters <= 0 || ls.KernelSize <= 0 {
			return nil, errors.Errorf("%s: filters and kernel size must be > 0", name)
		}
		if ls.Activation == Softmax {
			return nil, errors.Errorf("%s: softmax is not supported on conv2d", name)
		}
		c := &Conv2D{
			name:    name,
			kh:      ls.KernelSize,
			kw:      ls.KernelSize,
			cin:     in[2],
			cout:    ls.Filters,
			stride:  ls.Stride,
			padding: ls.Padding,
			act:     ls.Activation,
			kernel:  ls.Kernel,
			bias:    ls.Bias,
		}
		if c.stride <= 0 {
			c.stride = 1
		}
		if c.padding == "" {
			c.padding = PaddingValid
		}
		if c.padding != PaddingValid && c.padding != PaddingSame {
			return nil, errors.Errorf("%s: unknown padding %q", name, c.padding)
		}
		if want := c.kh * c.kw * c.cin * c.cout; len(c.kernel) != want {
			return nil, errors.Wrapf(ErrShapeMismatch, "%s: kernel has %d weights, want %d", name, len(c.kernel), want)
		}
		if len(c.bias) != c.cout {
			return nil, errors.Wrapf(ErrShapeMismatch, "%s: bias has %d values, want %d", name, len(c.bias), c.cout)
		}
		return c, nil
	case KindMaxPool2D:
		if ls.PoolSize <= 0 {
			return nil, errors.Errorf("%s: pool size must be > 0", name)
		}
		p := &MaxPool2D{name: name, pool: ls.PoolSize, stride: ls.Stride}
		if p.stride <= 0 {
			p.stride = p.pool
		}
		return p, nil
	case KindGlobalMaxPool2D:
		return &GlobalMaxPool2D{name: name}, nil
	case KindBatchNorm:
		ch := lastDim(in)
		for _, v := range [][]float64{ls.Gamma, ls.Beta, ls.MovingMean, ls.MovingVar} {
			if len(v) != ch {
				return nil, errors.Wrapf(ErrShapeMismatch, "%s: statistics must have %d channels", name, ch)
			}
		}
		eps := ls.Epsilon
		if eps <= 0 {
			eps = 1e-3
		}
		return newBatchNorm(name, ls.Gamma, ls.Beta, ls.MovingMean, ls.MovingVar, eps), nil
	case KindFlatten:
		return &Flatten{name: name}, nil
	case KindDense:
		if len(in) != 1 {
			return nil, errors.Wrapf(ErrShapeMismatch, "%s: dense input must be flat, got %v", name, in)
		}
		if ls.Units <= 0 {
			return nil, errors.Errorf("%s: units must be > 0", name)
		}
		if want := in[0] * ls.Units; len(ls.Kernel) != want {
			return nil, errors.Wrapf(ErrShapeMismatch, "%s: kernel has %d weights, want %d", name, len(ls.Kernel), want)
		}
		if len(ls.Bias) != ls.Units {
			return nil, errors.Wrapf(ErrShapeMismatch, "%s: bias has %d values, want %d", name, len(ls.Bias), ls.Units)
		}
		return &Dense{
			name:   name,
			kernel: mat.NewDense(in[0], ls.Units, append([]float64(nil), ls.Kernel...)),
			bias:   ls.Bias,
			act:    ls.Activation,
		}, nil
	case KindActivation:
		return &ActivationLayer{name: name, act: ls.Activation}, nil
	}
	return nil, errors.Errorf("model: unknown layer kind %q", ls.Kind)
}
