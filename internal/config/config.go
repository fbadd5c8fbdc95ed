package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/go-playground/validator.v9"

	"vos3d/internal/backbone"
	"vos3d/internal/model"
)

// EnvPrefix prefixes environment overrides, e.g. VOS3D_STEPS.
const EnvPrefix = "VOS3D"

// Config captures the runtime knobs for an evaluation run.
type Config struct {
	Network      string   `mapstructure:"network" validate:"required"`
	NClasses     int      `mapstructure:"n_classes" validate:"gte=1"`
	TW           int      `mapstructure:"tw" validate:"gte=1"`
	EmbeddingDim int      `mapstructure:"embedding_dim" validate:"gte=0"`
	InterBlock   string   `mapstructure:"inter_block"`
	RefineBlock  string   `mapstructure:"refine_block"`
	LRSchedulers []string `mapstructure:"lr_schedulers" validate:"dive,oneof=exponential step"`
	LRDecay      float64  `mapstructure:"lr_decay" validate:"gt=0,lte=1"`
	LearningRate float64  `mapstructure:"learning_rate" validate:"gt=0"`
	WorldSize    int      `mapstructure:"world_size" validate:"gte=0"`

	Backbone   string `mapstructure:"backbone"`
	MDim       int    `mapstructure:"mdim" validate:"gte=1"`
	SampleSize int    `mapstructure:"sample_size" validate:"gte=32"`

	TrainRootA   string `mapstructure:"train_root_a"`
	TrainRootB   string `mapstructure:"train_root_b"`
	Steps        int    `mapstructure:"steps" validate:"gte=1"`
	BatchSize    int    `mapstructure:"batch_size" validate:"gte=1"`
	NumWorkers   int    `mapstructure:"num_workers" validate:"gte=1"`
	Seed         int64  `mapstructure:"seed"`
	LogEvery     int    `mapstructure:"log_every" validate:"gte=0"`
	SummaryEvery int    `mapstructure:"summary_every" validate:"gte=0"`
	SummaryDir   string `mapstructure:"summary_dir"`
	Guidance     bool   `mapstructure:"guidance"`
	FreezeBN     bool   `mapstructure:"freeze_bn"`

	NetworksFile string `mapstructure:"networks_file"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Network    string
	TrainRootA string
	TrainRootB string
	Steps      int
	BatchSize  int
	NumWorkers int
	Seed       int64
	LogEvery   int
	Backbone   string
}

var defaults = map[string]interface{}{
	"network":       "resnet3d",
	"n_classes":     2,
	"tw":            model.DefaultTW,
	"embedding_dim": 0,
	"inter_block":   "",
	"refine_block":  "",
	"lr_schedulers": []string{},
	"lr_decay":      0.95,
	"learning_rate": 1e-3,
	"world_size":    0,
	"backbone":      "resnet50",
	"mdim":          model.DefaultMDim,
	"sample_size":   112,
	"train_root_a":  "",
	"train_root_b":  "",
	"steps":         10,
	"batch_size":    1,
	"num_workers":   2,
	"seed":          42,
	"log_every":     1,
	"summary_every": 0,
	"summary_dir":   "",
	"guidance":      false,
	"freeze_bn":     true,
	"networks_file": "",
	"metrics_addr":  "",
}

// SetDefaults registers every config key with its default value.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads a Config from the YAML file at path, overlaid with VOS3D_*
// environment variables. An empty path uses defaults and env only.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Network != "" {
		c.Network = o.Network
	}
	if o.TrainRootA != "" {
		c.TrainRootA = o.TrainRootA
	}
	if o.TrainRootB != "" {
		c.TrainRootB = o.TrainRootB
	}
	if o.Steps > 0 {
		c.Steps = o.Steps
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Backbone != "" {
		c.Backbone = o.Backbone
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s' (got %v)", fe.Field(), fe.ActualTag(), fe.Value()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if _, err := backbone.Preset(c.Backbone); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.SummaryEvery > 0 && c.SummaryDir == "" {
		return errors.New("invalid config: summary_every requires summary_dir")
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("invalid config: metrics_addr: %w", err)
		}
	}
	return nil
}

// Roots lists the configured training roots, skipping empty ones.
func (c *Config) Roots() []string {
	var roots []string
	for _, r := range []string{c.TrainRootA, c.TrainRootB} {
		if r != "" {
			roots = append(roots, r)
		}
	}
	return roots
}

// ModelOptions returns the model section of the config.
func (c *Config) ModelOptions() model.Options {
	return model.Options{
		Network:      c.Network,
		NClasses:     c.NClasses,
		TW:           c.TW,
		EmbeddingDim: c.EmbeddingDim,
		InterBlock:   c.InterBlock,
		RefineBlock:  c.RefineBlock,
	}
}

// ModelEnv returns the construction settings for the selected backbone.
func (c *Config) ModelEnv() (model.Env, error) {
	bb, err := backbone.Preset(c.Backbone)
	if err != nil {
		return model.Env{}, err
	}
	return model.Env{Backbone: bb, MDim: c.MDim, Seed: c.Seed, TW: c.TW}, nil
}
