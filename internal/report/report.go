package report

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Evaluation modes recorded in a report.
const (
	ModeAdversarial = "adversarial"
	ModeClean       = "clean"
)

// Settings summarises the configuration a report was produced with.
type Settings struct {
	ModelFile   string  `json:"model_file"`
	Source      string  `json:"source"`
	DataRoot    string  `json:"data_root"`
	Objective   string  `json:"objective"`
	BatchSize   int     `json:"batch_size"`
	ClipMin     float64 `json:"clip_min"`
	ClipMax     float64 `json:"clip_max"`
	Seed        uint32  `json:"seed"`
	TestSamples int     `json:"test_samples"`
	MaxAge      int     `json:"max_age"`
}

// Run is one evaluation pass.
type Run struct {
	Mode    string             `json:"mode"`
	Eps     float64            `json:"eps"`
	Samples int                `json:"samples"`
	Metrics map[string]float64 `json:"metrics"`
}

// Report collects every pass of one invocation.
type Report struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Settings  Settings  `json:"settings"`
	Runs      []Run     `json:"runs"`
}

// New starts a report with a fresh run id.
func New(settings Settings) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Settings:  settings,
	}
}

// Add appends a pass. Non-finite values are dropped since JSON cannot
// represent them.
func (r *Report) Add(mode string, eps float64, res Result) {
	m := res.Map()
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			delete(m, k)
		}
	}
	r.Runs = append(r.Runs, Run{Mode: mode, Eps: eps, Samples: res.Samples, Metrics: m})
}

// WriteFile writes the report as indented JSON, replacing path atomically.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return errors.Wrap(err, "write report")
	}
	return errors.Wrap(os.Rename(tmp, path), "write report")
}

// ReadFile loads a report written by WriteFile.
func ReadFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read report")
	}
	r := &Report{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, errors.Wrapf(err, "decode report %s", path)
	}
	return r, nil
}
