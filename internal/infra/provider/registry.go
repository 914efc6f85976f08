package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/config"
	"github.com/zacharykka/genai-governor/internal/domain"
)

// Registry 按 ModelEntry.Provider 分发调用。
type Registry struct {
	invokers map[string]domain.ModelInvoker
}

// NewRegistry 为每个配置的服务商创建 OpenAI 兼容客户端。
func NewRegistry(providers map[string]config.ProviderConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{invokers: make(map[string]domain.ModelInvoker, len(providers))}
	for name, cfg := range providers {
		r.invokers[name] = NewOpenAIClient(name, cfg, logger)
		logger.Info("model provider registered", zap.String("provider", name), zap.String("base_url", cfg.BaseURL))
	}
	return r
}

// Invoke 选择模型所属服务商的调用实现。
func (r *Registry) Invoke(ctx context.Context, model *domain.ModelEntry, prompt string, cfg *domain.RequestConfig) (*domain.ModelResponse, error) {
	invoker, ok := r.invokers[model.Provider]
	if !ok {
		return nil, fmt.Errorf("no invoker configured for provider %q", model.Provider)
	}
	return invoker.Invoke(ctx, model, prompt, cfg)
}
