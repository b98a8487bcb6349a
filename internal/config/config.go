package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/hed1ad/puguard/pkg/train"
)

// EnvPrefix prefixes environment overrides, e.g. PUGUARD_TRAINING_EPOCHS.
const EnvPrefix = "PUGUARD"

// Config represents the complete application configuration
type Config struct {
	Training train.Config  `mapstructure:"training"`
	Storage  StorageConfig `mapstructure:"storage"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

// StorageConfig holds artifact and run-record locations
type StorageConfig struct {
	ArtifactDir string `mapstructure:"artifact_dir" validate:"required"`
	DBPath      string `mapstructure:"db_path" validate:"required"`
	CacheSize   int    `mapstructure:"cache_size" validate:"gte=1"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

var validate = validator.New()

// Load reads configuration from an optional file and environment variables.
// An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	return &cfg, nil
}

// setDefaults mirrors train.DefaultConfig so every key is known to viper and
// can be overridden from the environment.
func setDefaults(v *viper.Viper) {
	d := train.DefaultConfig()
	v.SetDefault("training.model_type", d.ModelType)
	v.SetDefault("training.hidden_size", d.HiddenSize)
	v.SetDefault("training.num_layers", d.NumLayers)
	v.SetDefault("training.dropout", d.Dropout)
	v.SetDefault("training.window_size", d.WindowSize)
	v.SetDefault("training.learning_rate", d.LearningRate)
	v.SetDefault("training.batch_size", d.BatchSize)
	v.SetDefault("training.epochs", d.Epochs)
	v.SetDefault("training.class_prior", d.ClassPrior)
	v.SetDefault("training.beta", d.Beta)
	v.SetDefault("training.optimizer", d.Optimizer)
	v.SetDefault("training.weight_decay", d.WeightDecay)
	v.SetDefault("training.early_stopping", d.EarlyStopping)
	v.SetDefault("training.patience", d.Patience)
	v.SetDefault("training.grad_clip_norm", d.GradClipNorm)
	v.SetDefault("training.threshold", d.Threshold)
	v.SetDefault("training.seed", d.Seed)
	v.SetDefault("training.train_ratio", d.TrainRatio)
	v.SetDefault("training.val_ratio", d.ValRatio)
	v.SetDefault("training.test_ratio", d.TestRatio)
	v.SetDefault("training.channels", d.Channels)

	// Storage defaults
	v.SetDefault("storage.artifact_dir", "./data/artifacts")
	v.SetDefault("storage.db_path", "./data/puguard.db")
	v.SetDefault("storage.cache_size", 8)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if err := validate.Struct(c.Storage); err != nil {
		return errors.Wrap(err, "invalid storage config")
	}
	if err := validate.Struct(c.Logging); err != nil {
		return errors.Wrap(err, "invalid logging config")
	}
	return c.Training.Validate()
}
