package dataset

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestTarSourceListsImages(t *testing.T) {
	buf := buildArchive(t, map[string][]byte{
		"UTKFace/30_0_1_20170109142408075.jpg": []byte("a"),
		"UTKFace/25_1_0_20170109142408075.jpg": []byte("bb"),
		"UTKFace/README":                       []byte("text"),
	})
	dir := t.TempDir()
	archive := filepath.Join(dir, "UTKFace.tar.gz")
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	zw.Close()
	if err := os.WriteFile(archive, gz.Bytes(), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	src := &TarSource{Path: archive}
	keys, err := src.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "UTKFace/25_1_0_20170109142408075.jpg" {
		t.Fatalf("unexpected keys %v", keys)
	}
	rc, err := src.Open(context.Background(), keys[0])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "bb" {
		t.Fatalf("payload %q", data)
	}
	if _, err := src.Open(context.Background(), "missing.jpg"); err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestTarSourceByteLimit(t *testing.T) {
	buf := buildArchive(t, map[string][]byte{
		"30_0_1_20170109142408075.jpg": bytes.Repeat([]byte("x"), 64),
	})
	archive := filepath.Join(t.TempDir(), "faces.tar")
	if err := os.WriteFile(archive, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	src := &TarSource{Path: archive, MaxBytes: 16}
	if _, err := src.List(context.Background()); !errors.Is(err, ErrArchiveTooLarge) {
		t.Fatalf("expected ErrArchiveTooLarge, got %v", err)
	}
}

func buildArchive(t *testing.T, entries map[string][]byte) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for name, data := range entries {
		hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644, Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write data: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf
}
