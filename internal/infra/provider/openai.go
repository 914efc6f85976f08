// Package provider 实现 OpenAI 兼容的模型调用客户端。
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/config"
	"github.com/zacharykka/genai-governor/internal/domain"
)

const maxErrorBody = 512

// ErrEmptyChoices 表示服务商返回了空的候选列表。
var ErrEmptyChoices = errors.New("provider returned no choices")

// StatusError 表示服务商返回了非 2xx 状态码。
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider responded with status %d: %s", e.Status, e.Body)
}

// OpenAIClient 调用 /chat/completions 接口。
type OpenAIClient struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewOpenAIClient 根据服务商配置创建客户端。
func NewOpenAIClient(name string, cfg config.ProviderConfig, logger *zap.Logger) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	TopP             float64       `json:"top_p"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	PresencePenalty  float64       `json:"presence_penalty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Invoke 发送一次对话补全请求。
func (c *OpenAIClient) Invoke(ctx context.Context, model *domain.ModelEntry, prompt string, cfg *domain.RequestConfig) (*domain.ModelResponse, error) {
	payload := chatRequest{
		Model:    model.ModelName,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if cfg != nil {
		payload.Temperature = cfg.Temperature
		payload.MaxTokens = cfg.MaxTokens
		payload.TopP = cfg.TopP
		payload.FrequencyPenalty = cfg.FrequencyPenalty
		payload.PresencePenalty = cfg.PresencePenalty
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("provider call failed",
			zap.String("provider", c.name),
			zap.String("model", model.ModelIdentifier),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, ErrEmptyChoices
	}
	return &domain.ModelResponse{
		Text:         decoded.Choices[0].Message.Content,
		InputTokens:  decoded.Usage.PromptTokens,
		OutputTokens: decoded.Usage.CompletionTokens,
	}, nil
}
