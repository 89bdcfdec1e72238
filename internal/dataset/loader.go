package dataset

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"utkrobust/internal/model"
)

// LoaderOptions configures the evaluation batch generator.
type LoaderOptions struct {
	Source     Source
	Records    []Record
	Indices    []int
	MaxAge     int
	BatchSize  int
	Width      int
	Height     int
	NumWorkers int
	Logger     *zap.Logger
}

// Steps is the number of full batches available for n samples.
func Steps(n, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return n / batchSize
}

// StartLoader streams full batches of the records selected by Indices, in
// order, making a single pass. A trailing partial batch is dropped.
func StartLoader(parent context.Context, opts LoaderOptions) (<-chan model.Batch, <-chan error, error) {
	if opts.Source == nil {
		return nil, nil, errors.New("loader: no source")
	}
	if opts.BatchSize <= 0 {
		return nil, nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.MaxAge <= 0 {
		return nil, nil, errors.Errorf("loader: max age must be > 0 (got %d)", opts.MaxAge)
	}
	for _, i := range opts.Indices {
		if i < 0 || i >= len(opts.Records) {
			return nil, nil, errors.Errorf("loader: index %d out of range", i)
		}
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Width <= 0 {
		opts.Width = ImageWidth
	}
	if opts.Height <= 0 {
		opts.Height = ImageHeight
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	total := Steps(len(opts.Indices), opts.BatchSize) * opts.BatchSize

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan loadJob, opts.NumWorkers)
	results := make(chan loadResult, opts.NumWorkers*2)
	out := make(chan model.Batch, 1)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, opts.Records, opts.Indices[:total])

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, results, opts)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, results, out, errCh, opts)
	}()

	return out, errCh, nil
}

type loadJob struct {
	id     int
	record Record
}

type loadResult struct {
	id     int
	record Record
	image  *model.Tensor
	err    error
}

func produceJobs(ctx context.Context, jobs chan<- loadJob, records []Record, indices []int) {
	defer close(jobs)
	for id, i := range indices {
		select {
		case <-ctx.Done():
			return
		case jobs <- loadJob{id: id, record: records[i]}:
		}
	}
}

func worker(ctx context.Context, jobs <-chan loadJob, results chan<- loadResult, opts LoaderOptions) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			res := loadResult{id: job.id, record: job.record}
			res.image, res.err = load(ctx, opts, job.record.Key)
			select {
			case <-ctx.Done():
				return
			case results <- res:
			}
		}
	}
}

func load(ctx context.Context, opts LoaderOptions, key string) (*model.Tensor, error) {
	rc, err := opts.Source.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, err := LoadImage(rc, opts.Width, opts.Height)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", key)
	}
	return img, nil
}

// runAggregator restores index order and groups samples into batches.
func runAggregator(ctx context.Context, results <-chan loadResult, out chan<- model.Batch, errCh chan<- error, opts LoaderOptions) {
	pending := make(map[int]loadResult)
	nextID := 0
	batch := newBatch(opts.BatchSize)
	for {
		res, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-results:
				if !ok {
					return
				}
				pending[r.id] = r
			}
			continue
		}
		delete(pending, nextID)
		nextID++
		if res.err != nil {
			errCh <- res.err
			return
		}
		batch.Keys = append(batch.Keys, res.record.Key)
		batch.Inputs = append(batch.Inputs, res.image)
		batch.Ages = append(batch.Ages, float64(res.record.Age)/float64(opts.MaxAge))
		batch.Races = append(batch.Races, OneHot(res.record.RaceID, NumRaces))
		batch.Genders = append(batch.Genders, OneHot(res.record.GenderID, NumGenders))
		if batch.Len() < opts.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- batch:
		}
		opts.Logger.Debug("Batch ready", zap.Int("next", nextID), zap.Int("size", batch.Len()))
		batch = newBatch(opts.BatchSize)
	}
}

func newBatch(size int) model.Batch {
	return model.Batch{
		Keys:    make([]string, 0, size),
		Inputs:  make([]*model.Tensor, 0, size),
		Ages:    make([]float64, 0, size),
		Races:   make([][]float64, 0, size),
		Genders: make([][]float64, 0, size),
	}
}
