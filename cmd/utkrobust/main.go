package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"utkrobust/internal/attack"
	"utkrobust/internal/config"
	"utkrobust/internal/dataset"
	"utkrobust/internal/evaluator"
	"utkrobust/internal/logger"
	"utkrobust/internal/metrics"
	"utkrobust/internal/model"
	"utkrobust/internal/report"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init-model" {
		if err := initModel(os.Args[2:]); err != nil {
			log.Fatalf("init-model failed: %v", err)
		}
		return
	}

	fs := pflag.NewFlagSet("utkrobust", pflag.ExitOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg, os.Stdout); err != nil {
		lg.Error("Evaluation failed", zap.Error(err))
		lg.Sync()
		os.Exit(1)
	}
}

// permutationPreview is how many shuffled indices are logged for comparison
// with numpy's RandomState(seed).permutation.
const permutationPreview = 10

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger, out io.Writer) error {
	src, err := openSource(ctx, cfg, lg)
	if err != nil {
		return err
	}
	idx, err := dataset.BuildIndex(ctx, src, dataset.IndexOptions{MinAge: cfg.MinAge, MaxAge: cfg.MaxAge}, lg)
	if err != nil {
		return err
	}
	if len(idx.Records) == 0 {
		return errors.Errorf("no usable images in %s source", cfg.Source)
	}
	split := dataset.NewSplit(len(idx.Records), cfg.Seed, dataset.TrainTestSplit)
	perm := split.Permutation()
	lg.Debug("Dataset permutation", zap.Uint32("seed", cfg.Seed), zap.Ints("head", perm[:min(len(perm), permutationPreview)]))
	lg.Info("Dataset indexed",
		zap.String("source", cfg.Source),
		zap.Int("records", len(idx.Records)),
		zap.Int("malformed", len(idx.Malformed)),
		zap.Int("max_age", idx.MaxAge),
		zap.Int("train", len(split.Train)),
		zap.Int("valid", len(split.Valid)),
		zap.Int("test", len(split.Test)),
		zap.Float64("validation_split", cfg.ValidationSplit),
	)

	objective, err := attack.ParseObjective(cfg.Objective, cfg.ObjectiveLayer)
	if err != nil {
		return err
	}
	ev := &evaluation{cfg: cfg, lg: lg, src: src, idx: idx, test: split.Test, objective: objective}

	adv, err := ev.run(ctx, cfg.Eps, metrics.AdversarialSet())
	if err != nil {
		return errors.Wrap(err, "adversarial evaluation")
	}
	fmt.Fprintln(out, adv)

	clean, err := ev.run(ctx, cfg.Eps, metrics.CleanSet())
	if err != nil {
		return errors.Wrap(err, "clean evaluation")
	}
	fmt.Fprintln(out, clean)

	var rep *report.Report
	if cfg.Report != "" {
		rep = report.New(report.Settings{
			ModelFile:   cfg.ModelFile,
			Source:      cfg.Source,
			DataRoot:    dataRoot(cfg),
			Objective:   cfg.Objective,
			BatchSize:   cfg.BatchSize,
			ClipMin:     cfg.ClipMin,
			ClipMax:     cfg.ClipMax,
			Seed:        cfg.Seed,
			TestSamples: len(split.Test),
			MaxAge:      idx.MaxAge,
		})
		rep.Add(report.ModeAdversarial, cfg.Eps, adv)
		rep.Add(report.ModeClean, cfg.Eps, clean)
	}

	sweep, err := cfg.SweepValues()
	if err != nil {
		return err
	}
	var points []report.SweepPoint
	for _, eps := range sweep {
		res, err := ev.run(ctx, eps, metrics.AdversarialSet())
		if err != nil {
			return errors.Wrapf(err, "sweep eps=%g", eps)
		}
		fmt.Fprintf(out, "eps=%g %s\n", eps, res)
		points = append(points, report.SweepPoint{Eps: eps, Result: res})
		if rep != nil {
			rep.Add(report.ModeAdversarial, eps, res)
		}
	}
	if cfg.Plot != "" {
		if err := report.PlotSweep(cfg.Plot, points); err != nil {
			return err
		}
		lg.Info("Sweep plot written", zap.String("path", cfg.Plot))
	}
	if rep != nil {
		if err := rep.WriteFile(cfg.Report); err != nil {
			return err
		}
		lg.Info("Report written", zap.String("path", cfg.Report), zap.String("run_id", rep.RunID))
	}
	return nil
}

type evaluation struct {
	cfg       *config.Config
	lg        *zap.Logger
	src       dataset.Source
	idx       *dataset.Index
	test      []int
	objective attack.Objective
}

// run loads the model afresh and evaluates the test partition with set.
func (e *evaluation) run(ctx context.Context, eps float64, set metrics.Set) (report.Result, error) {
	net, err := model.Load(e.cfg.ModelFile)
	if err != nil {
		return report.Result{}, err
	}
	if err := checkLayer(net, e.objective, set); err != nil {
		return report.Result{}, err
	}
	shape := net.InputShape()
	return evaluator.Run(ctx, evaluator.RunConfig{
		Net: net,
		Data: dataset.LoaderOptions{
			Source:     e.src,
			Records:    e.idx.Records,
			Indices:    e.test,
			MaxAge:     e.idx.MaxAge,
			BatchSize:  e.cfg.BatchSize,
			Width:      shape[1],
			Height:     shape[0],
			NumWorkers: e.cfg.NumWorkers,
		},
		Attack: attack.Options{
			Eps:       eps,
			ClipMin:   e.cfg.ClipMin,
			ClipMax:   e.cfg.ClipMax,
			Objective: e.objective,
		},
		Metrics:    set,
		NumWorkers: e.cfg.NumWorkers,
		LogEvery:   e.cfg.LogEvery,
		Logger:     e.lg,
	})
}

func checkLayer(net *model.Network, objective attack.Objective, set metrics.Set) error {
	if !set.NeedsAdversarial() {
		return nil
	}
	layer, _ := objective.Target(nil)
	for _, name := range net.LayerNames() {
		if name == layer {
			return nil
		}
	}
	return errors.Wrapf(model.ErrUnknownLayer, "attack objective layer %q", layer)
}

func openSource(ctx context.Context, cfg *config.Config, lg *zap.Logger) (dataset.Source, error) {
	switch cfg.Source {
	case config.SourceDir:
		return dataset.DirSource{Root: cfg.DataDir}, nil
	case config.SourceTar:
		return &dataset.TarSource{Path: cfg.DataDir}, nil
	case config.SourceS3:
		client, err := dataset.NewS3Client(ctx, dataset.S3Options{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return dataset.NewS3Source(client, cfg.S3.Bucket, cfg.S3.Prefix, lg), nil
	}
	return nil, errors.Errorf("unknown source %q", cfg.Source)
}

func dataRoot(cfg *config.Config) string {
	if cfg.Source == config.SourceS3 {
		return "s3://" + cfg.S3.Bucket + "/" + cfg.S3.Prefix
	}
	return cfg.DataDir
}

// initModel writes an untrained reference network for smoke runs.
func initModel(args []string) error {
	fs := pflag.NewFlagSet("init-model", pflag.ExitOnError)
	out := fs.String("out", "", "Path of the model file to write")
	seed := fs.Int64("seed", 1, "Weight initialisation seed")
	size := fs.Int("size", 198, "Input image height and width")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("--out is required")
	}
	if *size <= 0 {
		return errors.Errorf("--size must be > 0 (got %d)", *size)
	}
	arch := model.DefaultArchitecture()
	arch.InputShape = []int{*size, *size, 3}
	spec := model.NewRandomSpec(arch, *seed)
	if _, err := model.Build(spec); err != nil {
		return err
	}
	if err := model.Save(*out, spec); err != nil {
		return err
	}
	lg, err := logger.NewSugared("info")
	if err != nil {
		return err
	}
	defer lg.Sync()
	lg.Infow("Untrained model written", "path", *out, "input_size", *size, "seed", *seed)
	return nil
}
