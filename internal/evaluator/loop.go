// Package evaluator runs a compiled model over the test split, optionally
// under FGSM attack, and averages the per-batch losses and metrics.
package evaluator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"utkrobust/internal/attack"
	"utkrobust/internal/dataset"
	"utkrobust/internal/metrics"
	"utkrobust/internal/model"
	"utkrobust/internal/report"
)

// ErrNoBatches is returned when the test split holds no full batch.
var ErrNoBatches = errors.New("evaluator: no full batch to evaluate")

// RunConfig captures the knobs required by the evaluation loop.
type RunConfig struct {
	Net        model.Differentiable
	Data       dataset.LoaderOptions
	Attack     attack.Options
	Losses     []metrics.Loss
	Metrics    metrics.Set
	NumWorkers int
	LogEvery   int
	Logger     *zap.Logger
}

// Run evaluates every full batch of the selected records once and returns
// the batch-size weighted averages of the total loss, the head losses and
// the metrics. Losses are always computed on clean predictions; the attack
// runs once per batch and only when a metric reads adversarial predictions.
func Run(ctx context.Context, cfg RunConfig) (report.Result, error) {
	if cfg.Net == nil {
		return report.Result{}, errors.New("evaluator: no model")
	}
	if cfg.Data.BatchSize <= 0 {
		return report.Result{}, errors.Errorf("evaluator: batch size must be > 0 (got %d)", cfg.Data.BatchSize)
	}
	if cfg.Losses == nil {
		cfg.Losses = metrics.DefaultLosses()
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Data.NumWorkers <= 0 {
		cfg.Data.NumWorkers = cfg.NumWorkers
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Data.Logger == nil {
		cfg.Data.Logger = log
	}
	names := metrics.Names(cfg.Losses, cfg.Metrics)
	steps := dataset.Steps(len(cfg.Data.Indices), cfg.Data.BatchSize)
	if steps == 0 {
		return report.Result{}, errors.Wrapf(ErrNoBatches, "%d samples with batch size %d", len(cfg.Data.Indices), cfg.Data.BatchSize)
	}
	adversarial := cfg.Metrics.NeedsAdversarial()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, loadErr, err := dataset.StartLoader(ctx, cfg.Data)
	if err != nil {
		return report.Result{}, err
	}

	var (
		window metrics.Window
		mean   metrics.Mean
	)
	log.Info("Evaluation started",
		zap.Int("steps", steps),
		zap.Int("batch_size", cfg.Data.BatchSize),
		zap.Bool("adversarial", adversarial),
		zap.Float64("eps", cfg.Attack.Eps),
	)
	for step := 1; step <= steps; step++ {
		startData := time.Now()
		batch, err := nextBatch(ctx, batches, loadErr)
		if err != nil {
			return report.Result{}, errors.Wrapf(err, "step %d", step)
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		values, err := evaluateBatch(ctx, cfg, batch, adversarial)
		if err != nil {
			return report.Result{}, errors.Wrapf(err, "step %d", step)
		}
		computeTime := time.Since(startCompute)

		window.Record(batch.Len(), dataTime, computeTime, values)
		mean.Add(values, float64(batch.Len()))

		if step%cfg.LogEvery == 0 || step == steps {
			snap := window.Snapshot()
			log.Info("Evaluation progress",
				zap.Int("step", step),
				zap.Int("steps", steps),
				zap.Float64("images_per_sec", snap.ImagesPerSec),
				zap.Float64("data_ms", snap.AvgDataMS),
				zap.Float64("compute_ms", snap.AvgComputeMS),
				zap.Float64("loss", snap.Last[0]),
			)
		}
	}
	return report.Result{Names: names, Values: mean.Values(), Samples: int(mean.Count())}, nil
}

func evaluateBatch(ctx context.Context, cfg RunConfig, batch model.Batch, adversarial bool) ([]float64, error) {
	clean, err := predictAll(ctx, cfg.Net, batch.Inputs, cfg.NumWorkers)
	if err != nil {
		return nil, err
	}
	yTrue := metrics.TargetsOf(batch)
	yClean := metrics.PredictionsOf(clean)
	yAdv := yClean
	if adversarial {
		inputs, err := attack.Batch(ctx, cfg.Net, batch, cfg.Attack, cfg.NumWorkers)
		if err != nil {
			return nil, err
		}
		adv, err := predictAll(ctx, cfg.Net, inputs, cfg.NumWorkers)
		if err != nil {
			return nil, err
		}
		yAdv = metrics.PredictionsOf(adv)
	}
	values := metrics.ComputeLosses(cfg.Losses, yTrue, yClean)
	return append(values, cfg.Metrics.Eval(yTrue, yClean, yAdv)...), nil
}

func predictAll(ctx context.Context, net model.Predictor, inputs []*model.Tensor, workers int) ([]model.Prediction, error) {
	out := make([]model.Prediction, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, x := range inputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := net.Predict(x)
			if err != nil {
				return errors.Wrapf(err, "predict sample %d", i)
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func nextBatch(ctx context.Context, batches <-chan model.Batch, errs <-chan error) (model.Batch, error) {
	for {
		select {
		case <-ctx.Done():
			return model.Batch{}, ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return model.Batch{}, err
			}
			if !ok {
				errs = nil
			}
		case batch, ok := <-batches:
			if !ok {
				return model.Batch{}, errors.New("loader closed")
			}
			return batch, nil
		}
	}
}
