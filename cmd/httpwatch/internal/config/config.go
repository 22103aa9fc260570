// Package config loads the demo harness's configuration: a YAML file plus
// HTTPWATCH_-prefixed environment overrides, via viper. The core sniffer
// library never imports this package -- it only sees the plain sniffer.Config
// struct this package produces.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// File is the on-disk shape of the harness config file.
type File struct {
	Interface          string  `mapstructure:"interface"`
	Ports              []int   `mapstructure:"ports"`
	MaxConnections     int     `mapstructure:"max-connections"`
	IdleTimeoutSeconds int     `mapstructure:"idle-timeout-seconds"`
	MaxBodySizeBytes   int     `mapstructure:"max-body-size-bytes"`
	SampleRate         float64 `mapstructure:"sample-rate"`
	LogLevel           string  `mapstructure:"log-level"`
	CallbackBufferSize int     `mapstructure:"callback-buffer-size"`
}

// Load reads path (YAML) and HTTPWATCH_* environment overrides into a File.
func Load(path string) (*File, error) {
	v := viper.New()

	dir := filepath.Dir(path)
	filename := filepath.Base(path)
	ext := filepath.Ext(filename)
	name := strings.TrimSuffix(filename, ext)

	v.SetConfigName(name)
	v.SetConfigType(strings.TrimPrefix(ext, "."))
	v.AddConfigPath(dir)

	v.SetEnvPrefix("HTTPWATCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&f)
	return &f, nil
}

func applyDefaults(f *File) {
	if f.Interface == "" {
		f.Interface = "any"
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
	if f.MaxConnections == 0 {
		f.MaxConnections = 10000
	}
	if f.IdleTimeoutSeconds == 0 {
		f.IdleTimeoutSeconds = 300
	}
}

// IdleTimeout converts the file's seconds field to a time.Duration.
func (f *File) IdleTimeout() time.Duration {
	return time.Duration(f.IdleTimeoutSeconds) * time.Second
}
