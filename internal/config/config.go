// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultModel 未配置时使用的模型
const DefaultModel = "openai/gpt-4o-mini"

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
	configSecret  string
	envKeys       map[string]string
)

// Config 存储从环境变量读取的基础配置
type Config struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	DataDir           string        `env:"DATA_DIR" envDefault:"data"`
	LogDir            string        `env:"LOG_DIR" envDefault:"logs"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	StorageBackend    string        `env:"STORAGE_BACKEND" envDefault:"file"`
	DatabasePath      string        `env:"DATABASE_PATH" envDefault:"data/storyforge.db"`
	DebugMode         bool          `env:"DEBUG_MODE" envDefault:"false"`
	FanOutConcurrency int           `env:"FANOUT_CONCURRENCY" envDefault:"3"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"10m"`
	TaskRetention     time.Duration `env:"TASK_RETENTION" envDefault:"1h"`
	ConfigSecret      string        `env:"CONFIG_SECRET"`
	Model             string        `env:"STORYFORGE_MODEL"`

	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey  string `env:"ANTHROPIC_API_KEY"`
	OpenRouterAPIKey string `env:"OPENROUTER_API_KEY"`
}

// ImprovementPolicy 场景改进的可配置规则
type ImprovementPolicy struct {
	// PreserveTitles 开启时除非标题是占位符或指导提及标题，否则保留原标题
	PreserveTitles      bool     `json:"preserve_titles"`
	PlaceholderPatterns []string `json:"placeholder_patterns"`
	TitleKeywords       []string `json:"title_keywords"`
	MinThematicOverlap  int      `json:"min_thematic_overlap"`
	MaxThematic         int      `json:"max_thematic"`
}

// DefaultImprovementPolicy 返回默认改进规则
func DefaultImprovementPolicy() ImprovementPolicy {
	return ImprovementPolicy{
		PreserveTitles:      true,
		PlaceholderPatterns: []string{`(?i)placeholder`, `(?i)^scene\s+\d+$`},
		TitleKeywords:       []string{"title"},
		MinThematicOverlap:  2,
		MaxThematic:         2,
	}
}

// AppConfig 包含持久化的应用配置
type AppConfig struct {
	Port              string            `json:"port"`
	DataDir           string            `json:"data_dir"`
	LogDir            string            `json:"log_dir"`
	DebugMode         bool              `json:"debug_mode"`
	StorageBackend    string            `json:"storage_backend"`
	DatabasePath      string            `json:"database_path"`
	DefaultModel      string            `json:"default_model"`
	StageModels       map[int]string    `json:"stage_models,omitempty"`
	APIKeys           map[string]string `json:"api_keys,omitempty"`
	FanOutConcurrency int               `json:"fanout_concurrency"`
	GenerationTimeout time.Duration     `json:"generation_timeout"`
	TaskRetention     time.Duration     `json:"task_retention"`
	Improvement       ImprovementPolicy `json:"improvement"`
}

// Load 从 .env 和环境变量加载配置
func Load() (*Config, error) {
	// .env 文件是可选的
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.FanOutConcurrency < 1 {
		cfg.FanOutConcurrency = 1
	}
	return cfg, nil
}

// InitConfig 初始化配置管理器，合并 data/config.json 中保存的设置
func InitConfig(dataDir string) error {
	baseConfig, err := Load()
	if err != nil {
		return err
	}
	return InitConfigFrom(baseConfig, dataDir)
}

// InitConfigFrom 使用给定的基础配置初始化，便于测试和 CLI 覆盖
func InitConfigFrom(baseConfig *Config, dataDir string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	configFile = filepath.Join(dataDir, "config.json")
	configSecret = baseConfig.ConfigSecret
	envKeys = map[string]string{
		"openai":     baseConfig.OpenAIAPIKey,
		"anthropic":  baseConfig.AnthropicAPIKey,
		"openrouter": baseConfig.OpenRouterAPIKey,
	}

	cfg := &AppConfig{
		Port:              baseConfig.Port,
		DataDir:           dataDir,
		LogDir:            baseConfig.LogDir,
		DebugMode:         baseConfig.DebugMode,
		StorageBackend:    baseConfig.StorageBackend,
		DatabasePath:      baseConfig.DatabasePath,
		DefaultModel:      DefaultModel,
		StageModels:       map[int]string{},
		APIKeys:           map[string]string{},
		FanOutConcurrency: baseConfig.FanOutConcurrency,
		GenerationTimeout: baseConfig.GenerationTimeout,
		TaskRetention:     baseConfig.TaskRetention,
		Improvement:       DefaultImprovementPolicy(),
	}

	// 尝试从文件加载已保存的配置，只保留用户可修改的部分
	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if err := json.Unmarshal(data, &saved); err != nil {
			return fmt.Errorf("解析配置文件失败: %w", err)
		}
		if saved.DefaultModel != "" {
			cfg.DefaultModel = saved.DefaultModel
		}
		for k, v := range saved.StageModels {
			cfg.StageModels[k] = v
		}
		for k, v := range saved.APIKeys {
			cfg.APIKeys[k] = v
		}
		if saved.Improvement.PlaceholderPatterns != nil || saved.Improvement.MinThematicOverlap > 0 {
			cfg.Improvement = saved.Improvement
		}
	}

	if baseConfig.Model != "" {
		cfg.DefaultModel = baseConfig.Model
	}

	currentConfig = cfg
	return saveLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		return &AppConfig{
			Port:              "8080",
			DataDir:           "data",
			StorageBackend:    "file",
			DefaultModel:      DefaultModel,
			StageModels:       map[int]string{},
			APIKeys:           map[string]string{},
			FanOutConcurrency: 3,
			GenerationTimeout: 10 * time.Minute,
			TaskRetention:     time.Hour,
			Improvement:       DefaultImprovementPolicy(),
		}
	}
	return currentConfig.clone()
}

func (c *AppConfig) clone() *AppConfig {
	cp := *c
	cp.StageModels = make(map[int]string, len(c.StageModels))
	for k, v := range c.StageModels {
		cp.StageModels[k] = v
	}
	cp.APIKeys = make(map[string]string, len(c.APIKeys))
	for k, v := range c.APIKeys {
		cp.APIKeys[k] = v
	}
	cp.Improvement.PlaceholderPatterns = append([]string(nil), c.Improvement.PlaceholderPatterns...)
	cp.Improvement.TitleKeywords = append([]string(nil), c.Improvement.TitleKeywords...)
	return &cp
}

// ModelForStage 返回阶段使用的模型，未单独配置时回退到默认模型
func (c *AppConfig) ModelForStage(stage int) string {
	if m, ok := c.StageModels[stage]; ok && m != "" {
		return m
	}
	if c.DefaultModel != "" {
		return c.DefaultModel
	}
	return DefaultModel
}

// SortedStageModels 按阶段排序的模型覆盖
func (c *AppConfig) SortedStageModels() []int {
	stages := make([]int, 0, len(c.StageModels))
	for s := range c.StageModels {
		stages = append(stages, s)
	}
	sort.Ints(stages)
	return stages
}

// ProviderForModel 根据模型前缀选择提供者，返回提供者名和去掉前缀的模型名
func ProviderForModel(model string) (provider string, name string) {
	switch {
	case strings.HasPrefix(model, "anthropic/"):
		return "anthropic", strings.TrimPrefix(model, "anthropic/")
	case strings.HasPrefix(model, "openrouter/"):
		return "openrouter", strings.TrimPrefix(model, "openrouter/")
	case strings.HasPrefix(model, "openai/"):
		return "openai", strings.TrimPrefix(model, "openai/")
	default:
		return "openai", model
	}
}

// APIKeyEnvVar 返回提供者对应的环境变量名
func APIKeyEnvVar(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// APIKeyFor 返回模型对应提供者的 API 密钥
func APIKeyFor(model string) string {
	provider, _ := ProviderForModel(model)
	return APIKeyForProvider(provider)
}

// APIKeyForProvider 返回提供者的 API 密钥，保存的密钥优先于环境变量
func APIKeyForProvider(provider string) string {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig != nil {
		if stored := currentConfig.APIKeys[provider]; stored != "" {
			key, err := utils.DecryptSecret(stored, configSecret)
			if err == nil {
				return key
			}
			utils.GetLogger().Warn("failed to decrypt stored api key", map[string]interface{}{
				"provider": provider,
				"error":    err.Error(),
			})
		}
	}
	if key := envKeys[provider]; key != "" {
		return key
	}
	return os.Getenv(APIKeyEnvVar(provider))
}

// UpdateModels 更新默认模型和阶段模型
func UpdateModels(defaultModel string, stageModels map[int]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}
	if defaultModel != "" {
		currentConfig.DefaultModel = defaultModel
	}
	for stage, model := range stageModels {
		if model == "" {
			delete(currentConfig.StageModels, stage)
			continue
		}
		currentConfig.StageModels[stage] = model
	}
	return saveLocked()
}

// SetAPIKey 保存提供者的 API 密钥，配置了 CONFIG_SECRET 时加密存储
func SetAPIKey(provider, key string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}
	stored, err := utils.EncryptSecret(key, configSecret)
	if err != nil {
		return fmt.Errorf("加密密钥失败: %w", err)
	}
	if stored == "" {
		delete(currentConfig.APIKeys, provider)
	} else {
		currentConfig.APIKeys[provider] = stored
	}
	return saveLocked()
}

// UpdateImprovementPolicy 替换场景改进规则
func UpdateImprovementPolicy(policy ImprovementPolicy) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}
	currentConfig.Improvement = policy
	return saveLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.Lock()
	defer configMutex.Unlock()
	return saveLocked()
}

func saveLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	tmp := configFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("保存配置失败: %w", err)
	}
	return os.Rename(tmp, configFile)
}
