package model

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func tinyArchitecture() Architecture {
	return Architecture{InputShape: []int{12, 12, 3}, ConvFilters: []int{4, 6}, Hidden: 5}
}

func randTensor(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float64()
	}
	return t
}

// checkGradient compares the analytic input gradient of sum(w ⊙ f(x)) with
// central differences.
func checkGradient(t *testing.T, name string, f func(*Tensor) (*Tensor, error), analytic *Tensor, x *Tensor, w *Tensor) {
	t.Helper()
	const h = 1e-6
	for i := 0; i < x.Len(); i += 1 + x.Len()/40 {
		orig := x.Data[i]
		x.Data[i] = orig + h
		up, err := f(x)
		if err != nil {
			t.Fatalf("%s forward: %v", name, err)
		}
		up = up.Clone()
		x.Data[i] = orig - h
		down, err := f(x)
		if err != nil {
			t.Fatalf("%s forward: %v", name, err)
		}
		down = down.Clone()
		x.Data[i] = orig
		numeric := 0.0
		for j := range up.Data {
			numeric += w.Data[j] * (up.Data[j] - down.Data[j]) / (2 * h)
		}
		if diff := math.Abs(numeric - analytic.Data[i]); diff > 1e-4*math.Max(1, math.Abs(numeric)) {
			t.Fatalf("%s: gradient[%d]=%g numeric=%g", name, i, analytic.Data[i], numeric)
		}
	}
}

func TestLayerGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cases := []struct {
		spec  LayerSpec
		shape []int
	}{
		{LayerSpec{Kind: KindConv2D, Filters: 3, KernelSize: 3, Activation: Tanh, Kernel: glorot(rng, 3*3*2*3, 18, 27), Bias: []float64{0.1, -0.2, 0.3}}, []int{6, 5, 2}},
		{LayerSpec{Kind: KindConv2D, Filters: 2, KernelSize: 3, Stride: 2, Padding: PaddingSame, Activation: Sigmoid, Kernel: glorot(rng, 3*3*2*2, 18, 18), Bias: []float64{0, 0.5}}, []int{7, 6, 2}},
		{LayerSpec{Kind: KindMaxPool2D, PoolSize: 2}, []int{6, 6, 3}},
		{LayerSpec{Kind: KindGlobalMaxPool2D}, []int{4, 3, 2}},
		{LayerSpec{Kind: KindBatchNorm, Gamma: []float64{1.5, 0.5}, Beta: []float64{0.1, 0.2}, MovingMean: []float64{0.3, 0.4}, MovingVar: []float64{2, 0.5}}, []int{3, 3, 2}},
		{LayerSpec{Kind: KindFlatten}, []int{2, 2, 3}},
		{LayerSpec{Kind: KindDense, Units: 4, Activation: Softmax, Kernel: glorot(rng, 6*4, 6, 4), Bias: []float64{0, 0.1, 0.2, 0.3}}, []int{6}},
		{LayerSpec{Kind: KindActivation, Activation: Softmax}, []int{2, 5}},
	}
	for _, tc := range cases {
		layer, err := buildLayer(tc.spec.Kind, tc.spec, tc.shape)
		if err != nil {
			t.Fatalf("build %s: %v", tc.spec.Kind, err)
		}
		x := randTensor(rng, tc.shape...)
		out, err := layer.Forward(x)
		if err != nil {
			t.Fatalf("%s forward: %v", tc.spec.Kind, err)
		}
		want, err := layer.OutShape(tc.shape)
		if err != nil || !sameShape(want, out.Shape) {
			t.Fatalf("%s: output shape %v, OutShape %v (%v)", tc.spec.Kind, out.Shape, want, err)
		}
		w := randTensor(rng, out.Shape...)
		dx, err := layer.Backward(x, out, w)
		if err != nil {
			t.Fatalf("%s backward: %v", tc.spec.Kind, err)
		}
		if !sameShape(dx.Shape, x.Shape) {
			t.Fatalf("%s: gradient shape %v want %v", tc.spec.Kind, dx.Shape, x.Shape)
		}
		checkGradient(t, tc.spec.Kind, layer.Forward, dx, x, w)
	}
}

func TestPredictOutputs(t *testing.T) {
	net, err := Build(NewRandomSpec(tinyArchitecture(), 1))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	x := randTensor(rand.New(rand.NewSource(2)), 12, 12, 3)
	pred, err := net.Predict(x)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Age <= 0 || pred.Age >= 1 {
		t.Fatalf("sigmoid age out of range: %f", pred.Age)
	}
	if len(pred.Race) != 5 || len(pred.Gender) != 2 {
		t.Fatalf("unexpected head sizes race=%d gender=%d", len(pred.Race), len(pred.Gender))
	}
	if s := pred.Race[0] + pred.Race[1] + pred.Race[2] + pred.Race[3] + pred.Race[4]; math.Abs(s-1) > 1e-9 {
		t.Fatalf("race probabilities sum to %f", s)
	}
	if _, err := net.Predict(NewTensor(10, 10, 3)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestLayerNamesFollowKerasConvention(t *testing.T) {
	net, err := Build(NewRandomSpec(tinyArchitecture(), 1))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []string{
		"conv2d_1", "conv2d_2", "batch_normalization_1", "max_pooling2d_1", "global_max_pooling2d_1",
		"dense_1", "age_output", "dense_2", "race_output", "dense_3", "gender_output",
	}
	got := net.LayerNames()
	if len(got) != len(want) {
		t.Fatalf("layer names %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("layer[%d]=%s want %s", i, got[i], want[i])
		}
	}
}

func TestInputGradientOfNamedLayer(t *testing.T) {
	net, err := Build(NewRandomSpec(tinyArchitecture(), 5))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	x := randTensor(rand.New(rand.NewSource(6)), 12, 12, 3)
	for _, name := range []string{"dense_3", "race_output", "conv2d_2", "batch_normalization_1", "max_pooling2d_1"} {
		grad, err := net.InputGradient(x, name, Ones)
		if err != nil {
			t.Fatalf("InputGradient(%s): %v", name, err)
		}
		layers, err := net.path(name)
		if err != nil {
			t.Fatalf("path: %v", err)
		}
		f := func(in *Tensor) (*Tensor, error) {
			acts, err := forward(layers, in)
			if err != nil {
				return nil, err
			}
			return acts[len(acts)-1], nil
		}
		out, _ := f(x)
		checkGradient(t, name, f, grad, x, Ones(out))
	}
	if _, err := net.InputGradient(x, "dense_9", Ones); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("expected unknown layer, got %v", err)
	}
}

func TestSaveLoadPreservesPredictions(t *testing.T) {
	spec := NewRandomSpec(tinyArchitecture(), 9)
	path := filepath.Join(t.TempDir(), "model.gob")
	if err := Save(path, spec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	built, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	x := randTensor(rand.New(rand.NewSource(10)), 12, 12, 3)
	a, err := built.Predict(x)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	b, err := loaded.Predict(x)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if a.Age != b.Age || a.Race[2] != b.Race[2] || a.Gender[1] != b.Gender[1] {
		t.Fatalf("loaded model diverges: %+v vs %+v", a, b)
	}
}

func TestBuildRejectsBadSpecs(t *testing.T) {
	spec := NewRandomSpec(tinyArchitecture(), 1)
	spec.Trunk[0].Kernel = spec.Trunk[0].Kernel[1:]
	if _, err := Build(spec); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch for short kernel, got %v", err)
	}

	spec = NewRandomSpec(tinyArchitecture(), 1)
	delete(spec.Heads, GenderOutput)
	if _, err := Build(spec); err == nil {
		t.Fatal("expected error for missing head")
	}

	spec = NewRandomSpec(tinyArchitecture(), 1)
	spec.Heads[RaceOutput][1].Units = 4
	spec.Heads[RaceOutput][1].Kernel = spec.Heads[RaceOutput][1].Kernel[:5*4]
	spec.Heads[RaceOutput][1].Bias = spec.Heads[RaceOutput][1].Bias[:4]
	if _, err := Build(spec); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected head size mismatch, got %v", err)
	}
}
