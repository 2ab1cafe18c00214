// internal/services/generation_client.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/StoryForge/internal/config"
	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/utils"
)

// Expect 期望的输出形态
type Expect int

const (
	ExpectText Expect = iota
	ExpectStructured
)

const baseSystemPrompt = `You are a novelist's development assistant working through the snowflake method.
Each request gives you the story developed so far and asks for the next artifact.
Stay consistent with every established name, fact and event.`

// GenerationRequest 一次生成请求
type GenerationRequest struct {
	Stage        int
	Context      string
	Detail       string // 子项或改进相关的补充信息
	Instructions string // 用户的修改要求
	Expect       Expect
	Model        string // 为空时按阶段配置选择

	// Instruction 非空时替代阶段定义中的指令，用于分析等不属于流水线的调用
	Instruction string
}

// GenerationResult 生成结果，结构化输出时 JSON 为修复后的合法 JSON
type GenerationResult struct {
	Text     string
	JSON     json.RawMessage
	Model    string
	Strategy string
}

// ProviderFactory 按名称和配置创建提供者
type ProviderFactory func(name string, cfg map[string]string) (llm.Provider, error)

// GenerationClient 封装一次外部生成调用
type GenerationClient struct {
	registry *StageRegistry
	retry    llm.RetryConfig
	metrics  *utils.MetricsCollector
	logger   *utils.Logger
	factory  ProviderFactory

	providerMutex sync.Mutex
	providers     map[string]llm.Provider // provider|key -> instance
}

// GenerationOption 配置 GenerationClient
type GenerationOption func(*GenerationClient)

// WithRetryConfig 设置重试配置
func WithRetryConfig(cfg llm.RetryConfig) GenerationOption {
	return func(c *GenerationClient) { c.retry = cfg }
}

// WithProviderFactory 替换提供者工厂，测试时注入假提供者
func WithProviderFactory(f ProviderFactory) GenerationOption {
	return func(c *GenerationClient) { c.factory = f }
}

// WithMetrics 设置指标收集器
func WithMetrics(m *utils.MetricsCollector) GenerationOption {
	return func(c *GenerationClient) { c.metrics = m }
}

// NewGenerationClient 创建生成客户端
func NewGenerationClient(registry *StageRegistry, opts ...GenerationOption) *GenerationClient {
	c := &GenerationClient{
		registry:  registry,
		retry:     llm.DefaultRetryConfig(),
		metrics:   utils.GetMetricsCollector(),
		logger:    utils.GetLogger(),
		factory:   llm.GetProvider,
		providers: make(map[string]llm.Provider),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ModelFor 返回阶段实际使用的模型
func (c *GenerationClient) ModelFor(stage int, override string) string {
	if override != "" {
		return override
	}
	return config.GetCurrentConfig().ModelForStage(stage)
}

// resolve 选择模型对应的提供者
func (c *GenerationClient) resolve(model string) (llm.Provider, string, error) {
	providerName, modelName := config.ProviderForModel(model)
	apiKey := config.APIKeyFor(model)
	if apiKey == "" {
		envVar := config.APIKeyEnvVar(providerName)
		return nil, "", apperrors.NewGenerationFailure(apperrors.FailureAuth,
			fmt.Sprintf("模型 %s 缺少API密钥", model), nil).WithHint("set " + envVar)
	}

	cacheKey := providerName + "|" + apiKey
	c.providerMutex.Lock()
	defer c.providerMutex.Unlock()

	if p, ok := c.providers[cacheKey]; ok {
		return p, modelName, nil
	}
	p, err := c.factory(providerName, map[string]string{
		"api_key":       apiKey,
		"default_model": modelName,
	})
	if err != nil {
		return nil, "", apperrors.NewGenerationFailure(apperrors.FailureOther,
			fmt.Sprintf("初始化提供者 %s 失败", providerName), err)
	}
	c.providers[cacheKey] = p
	return p, modelName, nil
}

func (c *GenerationClient) buildCompletion(req GenerationRequest, modelName string) (llm.CompletionRequest, error) {
	name, instruction := "", req.Instruction
	jsonObject := req.Expect == ExpectStructured
	if instruction == "" {
		def, err := c.registry.Get(req.Stage)
		if err != nil {
			return llm.CompletionRequest{}, err
		}
		name, instruction = def.Name, def.Instruction
		jsonObject = jsonObject && def.Format != FormatJSONArray
	}

	var system strings.Builder
	system.WriteString(baseSystemPrompt)
	system.WriteString("\n\nCurrent task")
	if name != "" {
		system.WriteString(" (" + name + ")")
	}
	system.WriteString(":\n")
	system.WriteString(strings.TrimSpace(instruction))
	if req.Expect == ExpectStructured {
		system.WriteString("\n\nRespond with valid JSON only.")
	}

	var prompt strings.Builder
	prompt.WriteString(req.Context)
	if req.Detail != "" {
		prompt.WriteString("\n\n")
		prompt.WriteString(req.Detail)
	}
	if req.Instructions != "" {
		prompt.WriteString("\n\nInstructions:\n")
		prompt.WriteString(req.Instructions)
	}

	return llm.CompletionRequest{
		Prompt:       prompt.String(),
		SystemPrompt: system.String(),
		Model:        modelName,
		Temperature:  0.8,
		JSONMode:     jsonObject,
	}, nil
}

// Generate 执行一次生成，瞬时失败按 RetryConfig 重试
func (c *GenerationClient) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	model := c.ModelFor(req.Stage, req.Model)
	started := time.Now()

	result, err := c.generate(ctx, req, model)

	outcome := "success"
	if err != nil {
		outcome = apperrors.KindName(err)
		if kind, ok := apperrors.FailureKindOf(err); ok {
			c.metrics.CountGenerationFailure(string(kind))
		} else if apperrors.IsUnparseable(err) {
			c.metrics.CountGenerationFailure("UnparseableOutput")
		}
	}
	c.metrics.ObserveGeneration(req.Stage, outcome, time.Since(started))

	fields := map[string]interface{}{
		"stage":    req.Stage,
		"model":    model,
		"duration": time.Since(started).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		c.logger.Warn("generation failed", fields)
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Stage == 0 {
			appErr.WithStage(req.Stage)
		}
		return nil, err
	}
	c.logger.Debug("generation complete", fields)
	return result, nil
}

func (c *GenerationClient) generate(ctx context.Context, req GenerationRequest, model string) (*GenerationResult, error) {
	provider, modelName, err := c.resolve(model)
	if err != nil {
		return nil, err
	}
	completion, err := c.buildCompletion(req, modelName)
	if err != nil {
		return nil, err
	}

	resp, _, err := llm.Retry(ctx, c.retry, func(ctx context.Context) (*llm.CompletionResponse, error) {
		resp, err := provider.CompleteText(ctx, completion)
		return resp, llm.Classify(err)
	})
	if err != nil {
		return nil, err
	}

	result := &GenerationResult{Text: strings.TrimSpace(resp.Text), Model: model}
	if req.Expect != ExpectStructured {
		if result.Text == "" {
			return nil, apperrors.NewGenerationFailure(apperrors.FailureOther, "模型返回了空内容", nil)
		}
		return result, nil
	}

	repaired, strategy, err := llm.RepairJSON(resp.Text)
	if err != nil {
		return nil, err
	}
	c.metrics.CountRepair(strategy)
	result.JSON = json.RawMessage(repaired)
	result.Text = repaired
	result.Strategy = strategy
	return result, nil
}

// StreamChunk 流式生成片段
type StreamChunk struct {
	Text string
	Done bool
	Err  error
}

// Stream 流式生成文本，连接建立前的瞬时失败会重试
func (c *GenerationClient) Stream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	model := c.ModelFor(req.Stage, req.Model)
	provider, modelName, err := c.resolve(model)
	if err != nil {
		return nil, err
	}
	completion, err := c.buildCompletion(req, modelName)
	if err != nil {
		return nil, err
	}

	upstream, _, err := llm.Retry(ctx, c.retry, func(ctx context.Context) (<-chan llm.StreamResponse, error) {
		ch, err := provider.StreamCompletion(ctx, completion)
		return ch, llm.Classify(err)
	})
	if err != nil {
		c.metrics.ObserveGeneration(req.Stage, apperrors.KindName(err), 0)
		return nil, err
	}

	out := make(chan StreamChunk)
	started := time.Now()
	go func() {
		defer close(out)
		outcome := "success"
		defer func() {
			c.metrics.ObserveGeneration(req.Stage, outcome, time.Since(started))
		}()

		for chunk := range upstream {
			msg := StreamChunk{Text: chunk.Text, Done: chunk.Done}
			if chunk.Err != nil {
				msg.Err = llm.Classify(chunk.Err)
				outcome = apperrors.KindName(msg.Err)
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				outcome = "cancelled"
				return
			}
			if msg.Err != nil {
				// 调用方收到错误后不再读取
				go drainStream(upstream)
				return
			}
			if chunk.Done {
				return
			}
		}
		// 上游未发送结束标记就关闭
		if ctx.Err() != nil {
			outcome = "cancelled"
			return
		}
		select {
		case out <- StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// drainStream 读完上游剩余内容，让提供者的发送协程退出
func drainStream(upstream <-chan llm.StreamResponse) {
	for range upstream {
	}
}
