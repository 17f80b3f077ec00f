package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvOptions 汇总 CLI 可通过环境变量覆盖的选项。
type EnvOptions struct {
	ConfigPath string `env:"SHELLCACHE_CONFIG"`
	LogLevel   string `env:"SHELLCACHE_LOG_LEVEL"`
}

// ParseEnv 从环境变量解析 EnvOptions。
func ParseEnv() (EnvOptions, error) {
	var opts EnvOptions
	if err := env.Parse(&opts); err != nil {
		return EnvOptions{}, fmt.Errorf("parse env: %w", err)
	}
	return opts, nil
}
