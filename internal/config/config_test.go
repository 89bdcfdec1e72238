package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", newFlags(t, "--model_file", "m.gob", "--eps", "0.1"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.BatchSize != 32 || cfg.Seed != 10 || cfg.DataDir != "data/UTKFace" || cfg.Source != SourceDir {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ObjectiveLayer != "dense_3" || cfg.ClipMin != 0 || cfg.ClipMax != 1 || cfg.Eps != 0.1 {
		t.Fatalf("unexpected attack settings %+v", cfg)
	}
	if cfg.MinAge != 10 || cfg.MaxAge != 65 || cfg.S3.Region != "us-east-1" {
		t.Fatalf("unexpected dataset settings %+v", cfg)
	}
}

func TestRequiredSettings(t *testing.T) {
	cfg, err := Load("", newFlags(t, "--eps", "0.1"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected missing model_file, got %v", err)
	}
	cfg, err = Load("", newFlags(t, "--model_file", "m.gob"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected missing eps, got %v", err)
	}
	cfg, err = Load("", newFlags(t, "--model_file", "m.gob", "--eps", "0"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("explicit zero eps should be accepted: %v", err)
	}
}

func TestPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval.yaml")
	yaml := "model_file: from-file.gob\neps: 0.05\nbatch_size: 16\nnum_workers: 2\ns3:\n  bucket: faces\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("UTK_BATCH_SIZE", "8")
	t.Setenv("UTK_S3_PREFIX", "utk/")
	cfg, err := Load(path, newFlags(t, "--num_workers", "3", "--source", "s3"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ModelFile != "from-file.gob" || cfg.Eps != 0.05 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.BatchSize != 8 {
		t.Fatalf("env should override file, batch_size=%d", cfg.BatchSize)
	}
	if cfg.NumWorkers != 3 {
		t.Fatalf("flag should override file, num_workers=%d", cfg.NumWorkers)
	}
	if cfg.S3.Bucket != "faces" || cfg.S3.Prefix != "utk/" {
		t.Fatalf("unexpected s3 settings %+v", cfg.S3)
	}
}

func TestConfigFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval.yaml")
	if err := os.WriteFile(path, []byte("model_file: m.gob\neps: 0.2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load("", newFlags(t, "--config", path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Eps != 0.2 || cfg.Validate() != nil {
		t.Fatalf("config flag not honoured: %+v", cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string][]string{
		"batch":  {"--batch_size", "0"},
		"clip":   {"--clip_min", "1", "--clip_max", "0"},
		"source": {"--source", "ftp"},
		"s3":     {"--source", "s3"},
		"level":  {"--log_level", "loud"},
		"sweep":  {"--sweep", "0.1,abc"},
		"plot":   {"--plot", "out.svg"},
	}
	for name, args := range cases {
		args = append([]string{"--model_file", "m.gob", "--eps", "0.1"}, args...)
		cfg, err := Load("", newFlags(t, args...))
		if err != nil {
			t.Fatalf("%s: Load: %v", name, err)
		}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSweepValues(t *testing.T) {
	cfg := &Config{Sweep: " 0, 0.01 ,0.1,"}
	got, err := cfg.SweepValues()
	if err != nil {
		t.Fatalf("SweepValues: %v", err)
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 0.01 || got[2] != 0.1 {
		t.Fatalf("sweep %v", got)
	}
}

func TestValidationSplitIsOnlyRecorded(t *testing.T) {
	for _, split := range []string{"1.5", "-0.1", "0"} {
		cfg, err := Load("", newFlags(t, "--model_file", "m.gob", "--eps", "0.1", "--validation_split="+split))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("validation_split=%s rejected: %v", split, err)
		}
	}
}
