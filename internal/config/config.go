// Package config loads the pipeline configuration: defaults, then an
// optional YAML file, then an optional .env file and APIGPT_* environment
// variables. Validate runs once every override has been applied.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"minimal-api-gpt/internal/gpt"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "apigpt.yaml"

// Config is the whole pipeline configuration.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Train    TrainConfig    `yaml:"train"`
	Generate GenerateConfig `yaml:"generate"`
	Export   ExportConfig   `yaml:"export"`
	Paths    PathsConfig    `yaml:"paths"`
	Log      LogConfig      `yaml:"log"`
	Device   string         `yaml:"device" env:"APIGPT_DEVICE" validate:"oneof=auto accelerator cpu"`
}

// ModelConfig is the GPT architecture. The vocabulary size comes from the
// tokenizer.
type ModelConfig struct {
	NEmbd     int `yaml:"n_embd" env:"APIGPT_N_EMBD" validate:"gte=1"`
	NHead     int `yaml:"n_head" env:"APIGPT_N_HEAD" validate:"gte=1"`
	NLayer    int `yaml:"n_layer" env:"APIGPT_N_LAYER" validate:"gte=1"`
	BlockSize int `yaml:"block_size" env:"APIGPT_BLOCK_SIZE" validate:"gte=2"`
}

// TrainConfig drives train_api.
type TrainConfig struct {
	Epochs       int     `yaml:"epochs" env:"APIGPT_EPOCHS" validate:"gte=1"`
	BatchSize    int     `yaml:"batch_size" env:"APIGPT_BATCH_SIZE" validate:"gte=1"`
	LearningRate float64 `yaml:"learning_rate" env:"APIGPT_LEARNING_RATE" validate:"gt=0"`
	WeightDecay  float64 `yaml:"weight_decay" env:"APIGPT_WEIGHT_DECAY" validate:"gte=0"`
	MaxLength    int     `yaml:"max_length" env:"APIGPT_MAX_LENGTH" validate:"gte=2"`
	Seed         int64   `yaml:"seed" env:"APIGPT_SEED"`
	// InitFrom resumes from a saved model directory instead of a fresh model.
	InitFrom string `yaml:"init_from" env:"APIGPT_INIT_FROM"`
	// CorpusFile adds YAML examples to the built-in corpus.
	CorpusFile string `yaml:"corpus_file" env:"APIGPT_CORPUS_FILE"`
}

// GenerateConfig holds the sampling settings.
type GenerateConfig struct {
	Temperature float64 `yaml:"temperature" env:"APIGPT_TEMPERATURE" validate:"gt=0"`
	TopK        int     `yaml:"top_k" env:"APIGPT_TOP_K" validate:"gte=0"`
	MaxLength   int     `yaml:"max_length" env:"APIGPT_GENERATE_MAX_LENGTH" validate:"gte=1"`
	Seed        int64   `yaml:"seed" env:"APIGPT_GENERATE_SEED"`
}

// ExportConfig sizes the dummy input traced by export_onnx.
type ExportConfig struct {
	DummyBatch    int `yaml:"dummy_batch" env:"APIGPT_DUMMY_BATCH" validate:"gte=1"`
	DummySequence int `yaml:"dummy_sequence" env:"APIGPT_DUMMY_SEQUENCE" validate:"gte=1"`
}

// PathsConfig locates the saved model and the ONNX file.
type PathsConfig struct {
	ModelDir string `yaml:"model_dir" env:"APIGPT_MODEL_DIR" validate:"required"`
	ONNXPath string `yaml:"onnx_path" env:"APIGPT_ONNX_PATH" validate:"required"`
}

// LogConfig selects the log level and an optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level" env:"APIGPT_LOG_LEVEL" validate:"oneof=trace debug info warn warning error"`
	File       string `yaml:"file" env:"APIGPT_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"APIGPT_LOG_MAX_SIZE_MB" validate:"gte=1"`
	MaxBackups int    `yaml:"max_backups" env:"APIGPT_LOG_MAX_BACKUPS" validate:"gte=0"`
}

// Default uses a 128-token context, batch size 4, 50 epochs and sampling
// temperature 0.7 on a small architecture the scalar engine trains in
// minutes.
func Default() Config {
	return Config{
		Model: ModelConfig{NEmbd: 16, NHead: 4, NLayer: 1, BlockSize: 128},
		Train: TrainConfig{
			Epochs:       50,
			BatchSize:    4,
			LearningRate: 1e-2,
			WeightDecay:  0.01,
			MaxLength:    128,
			Seed:         1337,
		},
		Generate: GenerateConfig{Temperature: 0.7, MaxLength: 128, Seed: 42},
		Export:   ExportConfig{DummyBatch: 1, DummySequence: 128},
		Paths:    PathsConfig{ModelDir: "minimal_api_gpt", ONNXPath: "minimal_api_gpt.onnx"},
		Log:      LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
		Device:   "auto",
	}
}

// GPT converts the model section into an architecture config.
func (c Config) GPT(vocabSize int) gpt.Config {
	return gpt.Config{
		NEmbd:     c.Model.NEmbd,
		NHead:     c.Model.NHead,
		NLayer:    c.Model.NLayer,
		BlockSize: c.Model.BlockSize,
		VocabSize: vocabSize,
	}
}

// Load builds the configuration. An empty path looks for DefaultFile and
// silently uses defaults when it is absent; an explicit path must exist.
// envFile names a dotenv file that is read when present. The result is not
// validated, so command-line overrides can still correct it; call Validate
// before use.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		c := sl.Current().Interface().(Config)
		if c.Model.NHead > 0 && c.Model.NEmbd%c.Model.NHead != 0 {
			sl.ReportError(c.Model.NHead, "NHead", "n_head", "divides_n_embd", "")
		}
		if c.Train.MaxLength > c.Model.BlockSize {
			sl.ReportError(c.Train.MaxLength, "MaxLength", "max_length", "lte_block_size", "")
		}
		if c.Generate.MaxLength > c.Model.BlockSize {
			sl.ReportError(c.Generate.MaxLength, "MaxLength", "max_length", "lte_block_size", "")
		}
		if c.Export.DummySequence > c.Model.BlockSize {
			sl.ReportError(c.Export.DummySequence, "DummySequence", "dummy_sequence", "lte_block_size", "")
		}
	}, Config{})
	return v
}

// Validate checks field ranges and the cross-field rules.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
