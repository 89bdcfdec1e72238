package dataset

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

// imageRegexp mirrors a non-recursive "*.jpg" glob: hidden files are skipped.
var imageRegexp = regexp.MustCompile(`^[^.].*\.jpg$`)

// Source lists and opens the images of a dataset.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// DirSource reads the *.jpg files directly inside Root.
type DirSource struct {
	Root string
}

// List returns the paths of the images directly under Root, sorted.
func (s DirSource) List(ctx context.Context) ([]string, error) {
	return DiscoverImages(ctx, s.Root)
}

func (s DirSource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(key)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	return f, nil
}

// DiscoverImages returns paths to the *.jpg files directly beneath root.
func DiscoverImages(ctx context.Context, root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if imageRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "discover images under %s", root)
	}
	sort.Strings(entries)
	return entries, nil
}
