package train

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/convnet/internal/layer"
	"github.com/born-ml/convnet/internal/parallel"
	"gopkg.in/yaml.v3"
)

// ErrConfig reports an invalid training configuration.
var ErrConfig = errors.New("train: invalid config")

// Config holds the hyperparameters of a training run. It is never modified
// by Train; mutable run state lives in Session.
type Config struct {
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	WeightDecay  float64 `yaml:"weight_decay"`
	MaxNorm      float64 `yaml:"max_norm"` // 0 disables clipping

	MiniBatchSize  int `yaml:"mini_batch_size"`
	MaxMiniBatches int `yaml:"max_mini_batches"` // per epoch, 0 = all
	MaxEpochs      int `yaml:"max_epochs"`

	// Keep probabilities for the inputs of convolutional and fully
	// connected layers during training.
	DropoutConv float64 `yaml:"dropout_conv"`
	DropoutFC   float64 `yaml:"dropout_fc"`

	Patience                 int     `yaml:"patience"`
	MaxConsecutiveAnnealings int     `yaml:"max_consecutive_annealings"`
	LearningRateDecay        float64 `yaml:"learning_rate_decay"`

	EvaluateBeforeTraining bool `yaml:"evaluate_before_training"`
	// PreInferenceBatches bounds the normalization calibration sweep over
	// the training set. 0 sweeps the whole set.
	PreInferenceBatches int `yaml:"pre_inference_batches"`

	CheckpointPath string `yaml:"checkpoint_path"`
	Seed           int64  `yaml:"seed"`

	// Parallel configures CPU kernel dispatch.
	Parallel parallel.Config `yaml:"parallel"`
}

// DefaultConfig returns a configuration that trains small networks sensibly.
func DefaultConfig() Config {
	return Config{
		LearningRate:             0.01,
		Momentum:                 0.9,
		WeightDecay:              5e-4,
		MiniBatchSize:            32,
		MaxEpochs:                20,
		DropoutConv:              1,
		DropoutFC:                1,
		Patience:                 2,
		MaxConsecutiveAnnealings: 3,
		LearningRateDecay:        2,
		CheckpointPath:           "convnet.born",
		Seed:                     1,
		Parallel:                 parallel.DefaultConfig(),
	}
}

// Validate verifies the config is runnable.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...))
		}
	}
	check(c.LearningRate > 0, "learning_rate must be > 0, got %g", c.LearningRate)
	check(c.Momentum >= 0 && c.Momentum < 1, "momentum must be in [0, 1), got %g", c.Momentum)
	check(c.WeightDecay >= 0, "weight_decay must be >= 0, got %g", c.WeightDecay)
	check(c.MaxNorm >= 0, "max_norm must be >= 0, got %g", c.MaxNorm)
	check(c.MiniBatchSize > 0, "mini_batch_size must be > 0, got %d", c.MiniBatchSize)
	check(c.MaxMiniBatches >= 0, "max_mini_batches must be >= 0, got %d", c.MaxMiniBatches)
	check(c.MaxEpochs > 0, "max_epochs must be > 0, got %d", c.MaxEpochs)
	check(c.DropoutConv > 0 && c.DropoutConv <= 1, "dropout_conv must be in (0, 1], got %g", c.DropoutConv)
	check(c.DropoutFC > 0 && c.DropoutFC <= 1, "dropout_fc must be in (0, 1], got %g", c.DropoutFC)
	check(c.Patience >= 0, "patience must be >= 0, got %d", c.Patience)
	check(c.MaxConsecutiveAnnealings >= 0, "max_consecutive_annealings must be >= 0, got %d", c.MaxConsecutiveAnnealings)
	check(c.LearningRateDecay > 1, "learning_rate_decay must be > 1, got %g", c.LearningRateDecay)
	check(c.PreInferenceBatches >= 0, "pre_inference_batches must be >= 0, got %d", c.PreInferenceBatches)
	if err := c.Parallel.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrConfig, err))
	}
	return errors.Join(errs...)
}

// update returns the SGD step parameters for learning rate lr.
func (c Config) update(lr float64) layer.Update {
	return layer.Update{
		LearningRate: lr,
		Momentum:     c.Momentum,
		WeightDecay:  c.WeightDecay,
		MaxNorm:      c.MaxNorm,
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: config path is user supplied
	if err != nil {
		return Config{}, fmt.Errorf("train: read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
func ParseConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("train: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
