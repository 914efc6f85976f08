package domain

import "context"

// ModelResponse 是一次模型调用的结果。
type ModelResponse struct {
	Text         string `json:"text"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// ModelInvoker 对具体模型发起一次调用，返回的错误视为可重试的服务商错误。
type ModelInvoker interface {
	Invoke(ctx context.Context, model *ModelEntry, prompt string, cfg *RequestConfig) (*ModelResponse, error)
}
