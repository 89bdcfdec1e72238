// Package config resolves the evaluation settings from defaults, an optional
// YAML file, UTK_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. UTK_BATCH_SIZE.
const EnvPrefix = "UTK"

// Data sources.
const (
	SourceDir = "dir"
	SourceTar = "tar"
	SourceS3  = "s3"
)

// ErrMissing is returned when a required setting is absent.
var ErrMissing = errors.New("config: required setting missing")

// Config captures the runtime knobs for an evaluation run.
type Config struct {
	ModelFile       string   `mapstructure:"model_file"`
	Eps             float64  `mapstructure:"eps"`
	BatchSize       int      `mapstructure:"batch_size"`
	ValidationSplit float64  `mapstructure:"validation_split"`
	DataDir         string   `mapstructure:"data_dir"`
	Source          string   `mapstructure:"source"`
	Objective       string   `mapstructure:"objective"`
	ObjectiveLayer  string   `mapstructure:"objective_layer"`
	ClipMin         float64  `mapstructure:"clip_min"`
	ClipMax         float64  `mapstructure:"clip_max"`
	NumWorkers      int      `mapstructure:"num_workers"`
	Seed            uint32   `mapstructure:"seed"`
	MinAge          int      `mapstructure:"min_age"`
	MaxAge          int      `mapstructure:"max_age"`
	LogEvery        int      `mapstructure:"log_every"`
	LogLevel        string   `mapstructure:"log_level"`
	Report          string   `mapstructure:"report"`
	Sweep           string   `mapstructure:"sweep"`
	Plot            string   `mapstructure:"plot"`
	S3              S3Config `mapstructure:"s3"`

	epsSet bool
}

// S3Config locates the dataset in an S3 compatible store.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("batch_size", 32)
	v.SetDefault("validation_split", 0.2)
	v.SetDefault("data_dir", "data/UTKFace")
	v.SetDefault("source", SourceDir)
	v.SetDefault("objective", "layer")
	v.SetDefault("objective_layer", "dense_3")
	v.SetDefault("clip_min", 0.0)
	v.SetDefault("clip_max", 1.0)
	v.SetDefault("num_workers", runtime.NumCPU())
	v.SetDefault("seed", 10)
	v.SetDefault("min_age", 10)
	v.SetDefault("max_age", 65)
	v.SetDefault("log_every", 50)
	v.SetDefault("log_level", "debug")
	v.SetDefault("report", "")
	v.SetDefault("sweep", "")
	v.SetDefault("plot", "")
	v.SetDefault("model_file", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "UTKFace/")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.use_path_style", false)
}

// RegisterFlags adds the evaluation flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to YAML config")
	fs.String("model_file", "", "Path to the trained model")
	fs.Float64("eps", 0, "Perturbation size of the FGSM attack")
	fs.Int("batch_size", 32, "Batch size")
	fs.Float64("validation_split", 0.2, "Validation split (recorded, unused by evaluation)")
	fs.String("data_dir", "data/UTKFace", "Image directory, or archive path for --source=tar")
	fs.String("source", SourceDir, "Dataset source: dir, tar or s3")
	fs.String("objective", "layer", "Attack objective: layer or race_loss")
	fs.String("objective_layer", "dense_3", "Layer whose summed output the layer objective ascends")
	fs.Float64("clip_min", 0, "Lower pixel bound of adversarial images")
	fs.Float64("clip_max", 1, "Upper pixel bound of adversarial images")
	fs.Int("num_workers", runtime.NumCPU(), "Parallel image decoders and attack workers")
	fs.Uint32("seed", 10, "Seed of the dataset permutation")
	fs.Int("log_every", 50, "Log progress every N batches")
	fs.String("log_level", "debug", "Log level")
	fs.String("report", "", "Write a JSON report to this path")
	fs.String("sweep", "", "Comma separated epsilons to evaluate after the main run")
	fs.String("plot", "", "Write the sweep plot to this path (.svg, .png or .pdf)")
}

// Load resolves the configuration. path may be empty, in which case the
// config flag or UTK_CONFIG is consulted. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}
	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.epsSet = v.IsSet("eps")
	return cfg, nil
}

// SweepValues parses the sweep list.
func (c *Config) SweepValues() ([]float64, error) {
	var out []float64
	for _, field := range strings.Split(c.Sweep, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		eps, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "sweep value %q", field)
		}
		out = append(out, eps)
	}
	return out, nil
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.ModelFile == "" {
		return errors.Wrap(ErrMissing, "model_file")
	}
	if !c.epsSet {
		return errors.Wrap(ErrMissing, "eps")
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.ClipMin > c.ClipMax {
		return errors.Errorf("clip_min %g exceeds clip_max %g", c.ClipMin, c.ClipMax)
	}
	if c.MinAge >= c.MaxAge {
		return errors.Errorf("min_age %d must be below max_age %d", c.MinAge, c.MaxAge)
	}
	switch c.Source {
	case SourceDir, SourceTar:
		if c.DataDir == "" {
			return errors.Wrap(ErrMissing, "data_dir")
		}
	case SourceS3:
		if c.S3.Bucket == "" {
			return errors.Wrap(ErrMissing, "s3.bucket")
		}
	default:
		return errors.Errorf("unknown source %q", c.Source)
	}
	if c.ObjectiveLayer == "" {
		return errors.Wrap(ErrMissing, "objective_layer")
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = runtime.NumCPU()
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	sweep, err := c.SweepValues()
	if err != nil {
		return err
	}
	if c.Plot != "" && len(sweep) == 0 {
		return errors.New("plot requires a sweep")
	}
	return nil
}
