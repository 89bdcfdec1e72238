package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrArchiveTooLarge indicates the image payloads exceeded MaxBytes.
var ErrArchiveTooLarge = errors.New("dataset: archive exceeds byte limit")

const defaultArchiveLimit = 2 << 30

// TarSource serves the images of a .tar or .tar.gz archive such as the
// published UTKFace.tar.gz. The archive is read once and kept in memory.
type TarSource struct {
	Path     string
	MaxBytes int64

	once   sync.Once
	err    error
	keys   []string
	images map[string][]byte
}

func (s *TarSource) load(ctx context.Context) error {
	s.once.Do(func() {
		s.images, s.err = readArchive(ctx, s.Path, s.MaxBytes)
		for key := range s.images {
			s.keys = append(s.keys, key)
		}
		sort.Strings(s.keys)
	})
	return s.err
}

// List returns the archive entry names of the *.jpg files, sorted.
func (s *TarSource) List(ctx context.Context) ([]string, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), s.keys...), nil
}

func (s *TarSource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	data, ok := s.images[key]
	if !ok {
		return nil, errors.Errorf("tar source: no entry %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func readArchive(ctx context.Context, file string, limit int64) (map[string][]byte, error) {
	if limit <= 0 {
		limit = defaultArchiveLimit
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(file, ".gz") || strings.HasSuffix(file, ".tgz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip stream")
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	images := make(map[string][]byte)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read tar")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !imageRegexp.MatchString(path.Base(hdr.Name)) {
			// ignore non-image entries
			continue
		}
		total += hdr.Size
		if total > limit {
			return nil, ErrArchiveTooLarge
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "read image %s", hdr.Name)
		}
		images[hdr.Name] = data
	}
	return images, nil
}
