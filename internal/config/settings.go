// internal/config/settings.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CLISettings 命令行工具的设置，来源优先级：命令行参数 > STORYFORGE_ 环境变量 > storyforge.yaml > 默认值
type CLISettings struct {
	DataDir      string `mapstructure:"data_dir"`
	Backend      string `mapstructure:"backend"`
	DatabasePath string `mapstructure:"database_path"`
	Model        string `mapstructure:"model"`
	StateDir     string `mapstructure:"state_dir"`
	LogLevel     string `mapstructure:"log_level"`
	Concurrency  int    `mapstructure:"concurrency"`
}

// settingFlags 设置键到命令行参数名的映射
var settingFlags = map[string]string{
	"data_dir":      "data-dir",
	"backend":       "backend",
	"database_path": "db",
	"model":         "model",
	"state_dir":     "state-dir",
	"log_level":     "log-level",
	"concurrency":   "concurrency",
}

// LoadCLISettings 读取 storyforge.yaml 并绑定命令行参数
func LoadCLISettings(flags *pflag.FlagSet, explicitPath string) (*CLISettings, error) {
	v := viper.New()

	v.SetDefault("data_dir", ".storyforge/stories")
	v.SetDefault("backend", "file")
	v.SetDefault("database_path", ".storyforge/storyforge.db")
	v.SetDefault("model", "")
	v.SetDefault("state_dir", ".storyforge")
	v.SetDefault("log_level", "warn")
	v.SetDefault("concurrency", 1)

	v.SetEnvPrefix("STORYFORGE")
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName("storyforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "storyforge"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || explicitPath != "" {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	if flags != nil {
		for key, flagName := range settingFlags {
			if f := flags.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flagName, err)
				}
			}
		}
	}

	settings := &CLISettings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if settings.Concurrency < 1 {
		settings.Concurrency = 1
	}
	return settings, nil
}

// ToConfig 将 CLI 设置转换为基础配置，API 密钥仍来自环境变量
func (s *CLISettings) ToConfig(base *Config) *Config {
	cfg := *base
	cfg.DataDir = s.DataDir
	cfg.StorageBackend = s.Backend
	cfg.DatabasePath = s.DatabasePath
	cfg.FanOutConcurrency = s.Concurrency
	cfg.LogLevel = s.LogLevel
	if s.Model != "" {
		cfg.Model = s.Model
	}
	return &cfg
}
