package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the convfold configuration file
// (~/.config/convfold/config.yaml). Numeric fields are pointers so we can
// distinguish "not set" from zero values.
type Config struct {
	OutputDir string   `yaml:"output_dir"`
	Epsilon   *float64 `yaml:"epsilon"`
	LogLevel  string   `yaml:"log_level"`
	LogFormat string   `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "convfold", "config.yaml")
}

// applyConvertConfig applies config file defaults to convert command
// variables when the corresponding CLI flag was not explicitly set.
func applyConvertConfig(c *cli.Command, cfg Config,
	outDir *string, epsilon *float64, logLevel, logFormat *string,
) {
	if cfg.OutputDir != "" && !c.IsSet("out") {
		*outDir = cfg.OutputDir
	}
	if cfg.Epsilon != nil && !c.IsSet("epsilon") {
		*epsilon = *cfg.Epsilon
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		*logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		*logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or cannot be parsed.
func LoadConfig() Config {
	return loadConfigFrom(configPath())
}

func loadConfigFrom(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
