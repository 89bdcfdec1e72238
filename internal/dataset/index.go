package dataset

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"utkrobust/internal/randperm"
)

// IndexOptions bounds the ages kept in the index (both exclusive).
type IndexOptions struct {
	MinAge int
	MaxAge int
}

// DefaultIndexOptions keeps ages strictly between 10 and 65.
func DefaultIndexOptions() IndexOptions {
	return IndexOptions{MinAge: 10, MaxAge: 65}
}

// Index is the parsed and filtered list of images of a source.
type Index struct {
	Records []Record
	// MaxAge is the largest age among Records, used to normalise targets.
	MaxAge int
	// Malformed lists the keys whose names could not be parsed.
	Malformed []string
}

// BuildIndex lists src, parses every key and applies the age filter.
// Malformed names are logged and dropped.
func BuildIndex(ctx context.Context, src Source, opts IndexOptions, log *zap.Logger) (*Index, error) {
	if log == nil {
		log = zap.NewNop()
	}
	keys, err := src.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list source")
	}
	idx := &Index{}
	for _, key := range keys {
		rec, err := ParseFilename(key)
		if err != nil {
			log.Warn("Skipping malformed file name", zap.String("file", key), zap.Error(err))
			idx.Malformed = append(idx.Malformed, key)
			continue
		}
		if rec.Age <= opts.MinAge || rec.Age >= opts.MaxAge {
			continue
		}
		if rec.Age > idx.MaxAge {
			idx.MaxAge = rec.Age
		}
		idx.Records = append(idx.Records, rec)
	}
	log.Debug("Indexed dataset",
		zap.Int("listed", len(keys)),
		zap.Int("kept", len(idx.Records)),
		zap.Int("malformed", len(idx.Malformed)),
		zap.Int("max_age", idx.MaxAge))
	return idx, nil
}

// Split holds record positions for each partition.
type Split struct {
	Train []int
	Valid []int
	Test  []int
}

// Permutation reassembles the shuffled index order the split was cut from.
func (s Split) Permutation() []int {
	p := make([]int, 0, len(s.Train)+len(s.Valid)+len(s.Test))
	p = append(p, s.Train...)
	p = append(p, s.Valid...)
	return append(p, s.Test...)
}

// TrainTestSplit is the share of records used for training; the remainder is
// the test partition.
const TrainTestSplit = 0.7

// validFraction is the share of the train prefix kept for training; the rest
// becomes the validation partition.
const validFraction = 0.7

// NewSplit permutes 0..n-1 with seed and partitions the permutation:
// the first int(n*trainFraction) positions are train (itself split 70/30 into
// train/valid) and the remainder is test.
func NewSplit(n int, seed uint32, trainFraction float64) Split {
	p := randperm.Permutation(seed, n)
	trainUpTo := int(float64(n) * trainFraction)
	if trainUpTo > n {
		trainUpTo = n
	}
	if trainUpTo < 0 {
		trainUpTo = 0
	}
	test := p[trainUpTo:]
	train := p[:trainUpTo]
	cut := int(float64(trainUpTo) * validFraction)
	return Split{Train: train[:cut], Valid: train[cut:], Test: test}
}
