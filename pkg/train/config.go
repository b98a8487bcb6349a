package train

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/hed1ad/puguard/pkg/detectors/lstm"
	"github.com/hed1ad/puguard/pkg/split"
)

// Optimizer names accepted by Config.Optimizer.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// ModelLSTM is the only model type currently built.
const ModelLSTM = "lstm"

// Config holds the hyperparameters of one training run. The same struct, and the
// same defaults, drive evaluation-time data preparation.
type Config struct {
	ModelType     string   `mapstructure:"model_type" json:"model_type" validate:"oneof=lstm"`
	HiddenSize    int      `mapstructure:"hidden_size" json:"hidden_size" validate:"gte=1,lte=1024"`
	NumLayers     int      `mapstructure:"num_layers" json:"num_layers" validate:"gte=1,lte=8"`
	Dropout       float64  `mapstructure:"dropout" json:"dropout" validate:"gte=0,lt=1"`
	WindowSize    int      `mapstructure:"window_size" json:"window_size" validate:"gte=2"`
	LearningRate  float64  `mapstructure:"learning_rate" json:"learning_rate" validate:"gt=0"`
	BatchSize     int      `mapstructure:"batch_size" json:"batch_size" validate:"gte=1"`
	Epochs        int      `mapstructure:"epochs" json:"epochs" validate:"gte=1"`
	ClassPrior    float64  `mapstructure:"class_prior" json:"class_prior" validate:"gt=0,lt=1"`
	Beta          float64  `mapstructure:"beta" json:"beta" validate:"gte=0"`
	Optimizer     string   `mapstructure:"optimizer" json:"optimizer" validate:"oneof=adam sgd"`
	WeightDecay   float64  `mapstructure:"weight_decay" json:"weight_decay" validate:"gte=0"`
	EarlyStopping bool     `mapstructure:"early_stopping" json:"early_stopping"`
	Patience      int      `mapstructure:"patience" json:"patience" validate:"gte=1"`
	GradClipNorm  float64  `mapstructure:"grad_clip_norm" json:"grad_clip_norm" validate:"gte=0"`
	Threshold     float64  `mapstructure:"threshold" json:"threshold" validate:"gt=0,lt=1"`
	Seed          int64    `mapstructure:"seed" json:"seed"`
	TrainRatio    float64  `mapstructure:"train_ratio" json:"train_ratio" validate:"gte=0,lte=1"`
	ValRatio      float64  `mapstructure:"val_ratio" json:"val_ratio" validate:"gte=0,lte=1"`
	TestRatio     float64  `mapstructure:"test_ratio" json:"test_ratio" validate:"gte=0,lte=1"`
	Channels      []string `mapstructure:"channels" json:"channels" validate:"min=1,dive,required"`
}

// DefaultConfig returns the defaults shared by training and evaluation.
func DefaultConfig() Config {
	return Config{
		ModelType:     ModelLSTM,
		HiddenSize:    64,
		NumLayers:     2,
		Dropout:       0.3,
		WindowSize:    10,
		LearningRate:  1e-3,
		BatchSize:     32,
		Epochs:        50,
		ClassPrior:    0.1,
		Beta:          0,
		Optimizer:     OptimizerAdam,
		WeightDecay:   1e-5,
		EarlyStopping: true,
		Patience:      10,
		GradClipNorm:  1.0,
		Threshold:     0.5,
		Seed:          42,
		TrainRatio:    0.7,
		ValRatio:      0.2,
		TestRatio:     0.1,
		Channels:      []string{"active_power", "current_a", "current_b", "current_c"},
	}
}

var validate = validator.New()

// Validate checks field ranges and that the split ratios sum to one.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid training config")
	}
	if c.ValRatio == 0 {
		return errors.New("invalid training config: val_ratio must be positive for checkpoint selection")
	}
	return errors.Wrap(c.Ratios().Validate(), "invalid training config")
}

// Ratios returns the split ratios.
func (c Config) Ratios() split.Ratios {
	return split.Ratios{Train: c.TrainRatio, Validation: c.ValRatio, Test: c.TestRatio}
}

// Recipe returns the data preparation parameters.
func (c Config) Recipe() Recipe {
	return Recipe{
		WindowSize: c.WindowSize,
		Channels:   append([]string(nil), c.Channels...),
		Ratios:     c.Ratios(),
	}
}

// Architecture returns the model shape for the given feature width.
func (c Config) Architecture(inputSize int) lstm.Architecture {
	return lstm.Architecture{
		InputSize:  inputSize,
		HiddenSize: c.HiddenSize,
		NumLayers:  c.NumLayers,
		Dropout:    c.Dropout,
	}
}
