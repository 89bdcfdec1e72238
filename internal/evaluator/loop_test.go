package evaluator

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"sort"
	"testing"

	"github.com/pkg/errors"

	"utkrobust/internal/attack"
	"utkrobust/internal/dataset"
	"utkrobust/internal/metrics"
	"utkrobust/internal/model"
)

type memSource map[string][]byte

func (m memSource) List(context.Context) ([]string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m memSource) Open(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m[key]
	if !ok {
		return nil, errors.Errorf("no such image %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func faces(t *testing.T, n int) (memSource, *dataset.Index) {
	t.Helper()
	src := memSource{}
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 12, 12))
		for y := 0; y < 12; y++ {
			for x := 0; x < 12; x++ {
				img.Set(x, y, color.RGBA{R: uint8(20 * i), G: uint8(10 * x), B: uint8(10 * y), A: 255})
			}
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, nil); err != nil {
			t.Fatalf("encode: %v", err)
		}
		src[fmt.Sprintf("%d_%d_%d_2017010914240%d.jpg", 20+5*i, i%2, i%5, i)] = buf.Bytes()
	}
	idx, err := dataset.BuildIndex(context.Background(), src, dataset.DefaultIndexOptions(), nil)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	return src, idx
}

func testConfig(t *testing.T, n, batchSize int, eps float64, set metrics.Set) RunConfig {
	t.Helper()
	src, idx := faces(t, n)
	net, err := model.Build(model.NewRandomSpec(model.Architecture{InputShape: []int{12, 12, 3}, ConvFilters: []int{4, 6}, Hidden: 5}, 7))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	indices := make([]int, len(idx.Records))
	for i := range indices {
		indices[i] = len(indices) - 1 - i
	}
	opts := attack.DefaultOptions()
	opts.Eps = eps
	return RunConfig{
		Net: net,
		Data: dataset.LoaderOptions{
			Source:    src,
			Records:   idx.Records,
			Indices:   indices,
			MaxAge:    idx.MaxAge,
			BatchSize: batchSize,
			Width:     12,
			Height:    12,
		},
		Attack:     opts,
		Metrics:    set,
		NumWorkers: 3,
		LogEvery:   1,
	}
}

func TestRunAveragesFullBatches(t *testing.T) {
	res, err := Run(context.Background(), testConfig(t, 5, 2, 0.1, metrics.AdversarialSet()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Samples != 4 {
		t.Fatalf("expected 4 evaluated samples, got %d", res.Samples)
	}
	if len(res.Names) != 7 || len(res.Values) != 7 {
		t.Fatalf("unexpected result shape %v %v", res.Names, res.Values)
	}
	for i, v := range res.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			t.Fatalf("%s=%g", res.Names[i], v)
		}
	}
	for _, i := range []int{5, 6} {
		if res.Values[i] > 1 {
			t.Fatalf("%s=%g is not an accuracy", res.Names[i], res.Values[i])
		}
	}
}

func TestZeroEpsMatchesCleanMetrics(t *testing.T) {
	adv, err := Run(context.Background(), testConfig(t, 4, 2, 0, metrics.AdversarialSet()))
	if err != nil {
		t.Fatalf("Run adversarial: %v", err)
	}
	clean, err := Run(context.Background(), testConfig(t, 4, 2, 0, metrics.CleanSet()))
	if err != nil {
		t.Fatalf("Run clean: %v", err)
	}
	for i := range clean.Values {
		if math.Abs(clean.Values[i]-adv.Values[i]) > 1e-12 {
			t.Fatalf("value %d: clean %g adversarial %g", i, clean.Values[i], adv.Values[i])
		}
	}
}

func TestLossesIgnoreAttack(t *testing.T) {
	attacked, err := Run(context.Background(), testConfig(t, 4, 2, 0.3, metrics.AdversarialSet()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	clean, err := Run(context.Background(), testConfig(t, 4, 2, 0.3, metrics.CleanSet()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < 4; i++ {
		if attacked.Values[i] != clean.Values[i] {
			t.Fatalf("loss %s differs: %g vs %g", clean.Names[i], attacked.Values[i], clean.Values[i])
		}
	}
}

func TestRunWithoutFullBatch(t *testing.T) {
	_, err := Run(context.Background(), testConfig(t, 1, 2, 0.1, metrics.AdversarialSet()))
	if !errors.Is(err, ErrNoBatches) {
		t.Fatalf("expected ErrNoBatches, got %v", err)
	}
}

func TestRunReportsLoadErrors(t *testing.T) {
	cfg := testConfig(t, 4, 2, 0.1, metrics.CleanSet())
	src := cfg.Data.Source.(memSource)
	for k := range src {
		src[k] = []byte("not a jpeg")
	}
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRunRejectsInvalidClip(t *testing.T) {
	cfg := testConfig(t, 4, 2, 0.1, metrics.AdversarialSet())
	cfg.Attack.ClipMin, cfg.Attack.ClipMax = 1, 0
	if _, err := Run(context.Background(), cfg); !errors.Is(err, attack.ErrInvalidClip) {
		t.Fatalf("expected ErrInvalidClip, got %v", err)
	}
}
