package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// epsilon is the Keras backend fuzz factor used to clip probabilities.
const epsilon = 1e-7

// Func scores a batch: rows are samples, columns are head outputs.
type Func func(yTrue, yPred [][]float64) float64

// MSE is the batch mean of the per-sample mean squared error.
func MSE(yTrue, yPred [][]float64) float64 {
	return batchMean(yTrue, yPred, func(t, p []float64) float64 {
		s := 0.0
		for i := range t {
			d := t[i] - p[i]
			s += d * d
		}
		return s / float64(len(t))
	})
}

// MAE is the batch mean of the per-sample mean absolute error.
func MAE(yTrue, yPred [][]float64) float64 {
	return batchMean(yTrue, yPred, func(t, p []float64) float64 {
		s := 0.0
		for i := range t {
			s += math.Abs(t[i] - p[i])
		}
		return s / float64(len(t))
	})
}

// CategoricalCrossentropy normalises each prediction row, clips it to
// [eps, 1-eps] and averages -sum(y*log(p)) over the batch.
func CategoricalCrossentropy(yTrue, yPred [][]float64) float64 {
	return batchMean(yTrue, yPred, func(t, p []float64) float64 {
		total := floats.Sum(p)
		s := 0.0
		for i := range t {
			q := p[i]
			if total != 0 {
				q /= total
			}
			q = math.Min(math.Max(q, epsilon), 1-epsilon)
			s -= t[i] * math.Log(q)
		}
		return s
	})
}

// CategoricalAccuracy is the fraction of samples whose predicted argmax
// matches the target argmax.
func CategoricalAccuracy(yTrue, yPred [][]float64) float64 {
	return batchMean(yTrue, yPred, func(t, p []float64) float64 {
		if floats.MaxIdx(t) == floats.MaxIdx(p) {
			return 1
		}
		return 0
	})
}

func batchMean(yTrue, yPred [][]float64, f func(t, p []float64) float64) float64 {
	n := len(yTrue)
	if len(yPred) < n {
		n = len(yPred)
	}
	if n == 0 {
		return 0
	}
	vals := make([]float64, n)
	for i := 0; i < n; i++ {
		if len(yTrue[i]) == 0 || len(yTrue[i]) != len(yPred[i]) {
			vals[i] = math.NaN()
			continue
		}
		vals[i] = f(yTrue[i], yPred[i])
	}
	return stat.Mean(vals, nil)
}
