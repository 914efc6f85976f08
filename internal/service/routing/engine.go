// Package routing 编排一次受治理请求的完整流程：配置解析、鉴权、配额、护栏、模型调用与记录。
package routing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/metrics"
	"github.com/zacharykka/genai-governor/internal/service/guardrail"
	"github.com/zacharykka/genai-governor/internal/service/permission"
	"github.com/zacharykka/genai-governor/internal/service/quota"
	"github.com/zacharykka/genai-governor/internal/service/registry"
	"github.com/zacharykka/genai-governor/internal/service/reqconfig"
)

// State 是请求在流程中的阶段。
type State string

const (
	StateResolving      State = "resolving"
	StateAuthorizing    State = "authorizing"
	StateQuotaChecking  State = "quota_checking"
	StatePreGuardrails  State = "pre_guardrails"
	StateInvoking       State = "invoking"
	StatePostGuardrails State = "post_guardrails"
	StateCommitting     State = "committing"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Recorder 接收每个请求唯一的一条最终日志。
type Recorder interface {
	Record(entry *domain.RequestLogEntry)
}

// Engine 是路由与回退引擎。
type Engine struct {
	permissions *permission.Service
	configs     *reqconfig.Service
	models      *registry.Service
	ledger      *quota.Ledger
	guardrails  *guardrail.Service
	invoker     domain.ModelInvoker
	recorder    Recorder
	logger      *zap.Logger
	nowFn       func() time.Time
}

// Dependencies 聚合引擎依赖。
type Dependencies struct {
	Permissions *permission.Service
	Configs     *reqconfig.Service
	Models      *registry.Service
	Ledger      *quota.Ledger
	Guardrails  *guardrail.Service
	Invoker     domain.ModelInvoker
	Recorder    Recorder
}

// NewEngine 创建路由引擎。
func NewEngine(deps Dependencies, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		permissions: deps.Permissions,
		configs:     deps.Configs,
		models:      deps.Models,
		ledger:      deps.Ledger,
		guardrails:  deps.Guardrails,
		invoker:     deps.Invoker,
		recorder:    deps.Recorder,
		logger:      logger,
		nowFn:       time.Now,
	}
}

// WithClock 允许注入自定义时间函数。
func (e *Engine) WithClock(now func() time.Time) {
	if now != nil {
		e.nowFn = now
	}
}

// Request 是一次受治理请求的输入。
type Request struct {
	UseCase  string
	Identity domain.CallerIdentity
	Prompt   string
}

// Result 是成功请求的输出。
type Result struct {
	RequestID      string   `json:"request_id"`
	Response       string   `json:"response"`
	ModelUsed      string   `json:"model_used"`
	ConfigID       string   `json:"config_id"`
	Cost           float64  `json:"cost"`
	InputTokens    int64    `json:"input_tokens"`
	OutputTokens   int64    `json:"output_tokens"`
	TokensUsed     int64    `json:"tokens_used"`
	Attempts       int      `json:"attempts"`
	UsedFallback   bool     `json:"used_fallback"`
	GuardrailFlags []string `json:"guardrail_flags"`
}

// run 保存单个请求在各阶段间传递的状态。
type run struct {
	id          string
	req         Request
	start       time.Time
	state       State
	cfg         *domain.RequestConfig
	model       *domain.ModelEntry
	reservation *quota.Reservation
	attempts    int
	fallback    bool
	flags       []string
	response    *domain.ModelResponse
	text        string
	cost        float64
}

func (r *run) enter(state State) {
	r.state = state
}

// Govern 执行完整的治理流程，任何阶段失败都会返回类型化错误。
// 无论成功与否，恰好记录一条请求日志，持有的配额预留不会泄漏。
func (e *Engine) Govern(ctx context.Context, req Request) (result *Result, err error) {
	r := &run{id: uuid.NewString(), req: req, start: e.nowFn()}
	defer func() {
		err = e.finish(ctx, r, err)
	}()

	r.enter(StateResolving)
	cfg, err := e.configs.Resolve(ctx, req.UseCase, req.Identity)
	if err != nil {
		return nil, err
	}
	r.cfg = cfg

	r.enter(StateAuthorizing)
	if err := e.permissions.Authorize(ctx, req.Identity, permission.Invoke); err != nil {
		return nil, err
	}
	primary, fallback, err := e.selectModels(ctx, req, cfg)
	if err != nil {
		return nil, err
	}
	r.model = primary
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	estInput, estOutput := estimateTokens(req.Prompt, cfg.MaxTokens)
	estCost := registry.Cost(primary, estInput, estOutput)
	if cfg.MaxCostPerRequest != nil && estCost > *cfg.MaxCostPerRequest {
		return nil, &domain.CostCeilingError{Estimated: estCost, Ceiling: *cfg.MaxCostPerRequest}
	}
	holdCost := estCost
	if fallback != nil {
		fc := registry.Cost(fallback, estInput, estOutput)
		switch {
		case cfg.MaxCostPerRequest != nil && fc > *cfg.MaxCostPerRequest:
			e.logger.Warn("fallback model exceeds cost ceiling; continuing without fallback",
				zap.String("model", fallback.ModelIdentifier),
				zap.Float64("estimated_cost", fc),
				zap.Float64("ceiling", *cfg.MaxCostPerRequest),
			)
			fallback = nil
		case fc > holdCost:
			holdCost = fc
		}
	}

	r.enter(StateQuotaChecking)
	reservation, err := e.ledger.CheckAndReserve(ctx, req.Identity, holdCost, estInput+estOutput)
	if err != nil {
		return nil, err
	}
	r.reservation = reservation
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	r.enter(StatePreGuardrails)
	chain, err := e.guardrails.Chain(ctx, req.UseCase, cfg.ID)
	if err != nil {
		return nil, err
	}
	prompt, decision := guardrail.RunPre(req.Prompt, chain)
	r.collect(decision)
	if err := decision.Err(guardrail.StagePre); err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	r.enter(StateInvoking)
	resp, used, err := e.invoke(ctx, r, primary, fallback, prompt, cfg)
	if err != nil {
		return nil, err
	}
	r.model = used
	r.response = normalizeUsage(resp, prompt)

	r.enter(StatePostGuardrails)
	text, decision := guardrail.RunPost(resp.Text, chain)
	r.collect(decision)
	r.text = text

	r.enter(StateCommitting)
	r.cost = registry.Cost(used, r.response.InputTokens, r.response.OutputTokens)
	e.commit(ctx, r)
	if err := decision.Err(guardrail.StagePost); err != nil {
		return nil, err
	}

	r.enter(StateDone)
	return &Result{
		RequestID:      r.id,
		Response:       text,
		ModelUsed:      used.ModelIdentifier,
		ConfigID:       cfg.ID,
		Cost:           r.cost,
		InputTokens:    r.response.InputTokens,
		OutputTokens:   r.response.OutputTokens,
		TokensUsed:     r.response.InputTokens + r.response.OutputTokens,
		Attempts:       r.attempts,
		UsedFallback:   r.fallback,
		GuardrailFlags: append([]string{}, r.flags...),
	}, nil
}

func (r *run) collect(d guardrail.Decision) {
	r.flags = append(r.flags, d.Flags...)
	r.flags = append(r.flags, d.Applied...)
}

// selectModels 确定主模型与可选的回退模型；回退模型不可用时仅记录日志。
func (e *Engine) selectModels(ctx context.Context, req Request, cfg *domain.RequestConfig) (*domain.ModelEntry, *domain.ModelEntry, error) {
	role := req.Identity.EffectiveRole

	var (
		primary *domain.ModelEntry
		err     error
	)
	if cfg.PreferredModel != nil {
		primary, err = e.models.Callable(ctx, *cfg.PreferredModel, req.UseCase, role)
	} else {
		primary, err = e.models.DefaultFor(ctx, req.UseCase, role)
	}
	if err != nil {
		return nil, nil, modelError(req, cfg, err)
	}

	if cfg.FallbackModel == nil {
		return primary, nil, nil
	}
	fallback, err := e.models.Callable(ctx, *cfg.FallbackModel, req.UseCase, role)
	if err != nil {
		e.logger.Warn("fallback model not callable; continuing without fallback",
			zap.String("model", *cfg.FallbackModel),
			zap.String("use_case", req.UseCase),
			zap.Error(err),
		)
		return primary, nil, nil
	}
	return primary, fallback, nil
}

func modelError(req Request, cfg *domain.RequestConfig, err error) error {
	switch {
	case errors.Is(err, registry.ErrModelRoleRestricted), errors.Is(err, registry.ErrModelUseCase):
		return &domain.ForbiddenError{UserID: req.Identity.UserID, Reason: err.Error()}
	case errors.Is(err, registry.ErrModelNotFound), errors.Is(err, registry.ErrModelDisabled),
		errors.Is(err, registry.ErrModelNotApproved), errors.Is(err, registry.ErrNoModelAvailable):
		primary := ""
		if cfg.PreferredModel != nil {
			primary = *cfg.PreferredModel
		}
		return &domain.ModelUnavailableError{Primary: primary, Err: err}
	}
	return err
}

// invoke 先以相同模型重试 retry_attempts 次，之后回退模型仅尝试一次，全部串行执行。
func (e *Engine) invoke(ctx context.Context, r *run, primary, fallback *domain.ModelEntry, prompt string, cfg *domain.RequestConfig) (*domain.ModelResponse, *domain.ModelEntry, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	var lastErr error
	for i := 0; i <= cfg.RetryAttempts; i++ {
		if err := checkpoint(ctx); err != nil {
			return nil, nil, err
		}
		r.attempts++
		resp, err := e.attempt(ctx, primary, prompt, cfg, timeout)
		if err == nil {
			return resp, primary, nil
		}
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
		}
		lastErr = &domain.ProviderError{Model: primary.ModelIdentifier, Err: err}
		e.logger.Warn("model attempt failed",
			zap.String("request_id", r.id),
			zap.String("model", primary.ModelIdentifier),
			zap.Int("attempt", r.attempts),
			zap.Error(err),
		)
	}

	unavailable := &domain.ModelUnavailableError{Primary: primary.ModelIdentifier, Attempts: r.attempts}
	if fallback != nil {
		if err := checkpoint(ctx); err != nil {
			return nil, nil, err
		}
		unavailable.Fallback = fallback.ModelIdentifier
		r.attempts++
		r.fallback = true
		resp, err := e.attempt(ctx, fallback, prompt, cfg, timeout)
		if err == nil {
			return resp, fallback, nil
		}
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
		}
		r.model = fallback
		lastErr = &domain.ProviderError{Model: fallback.ModelIdentifier, Err: err}
		e.logger.Warn("fallback model failed",
			zap.String("request_id", r.id),
			zap.String("model", fallback.ModelIdentifier),
			zap.Error(err),
		)
	}
	unavailable.Attempts = r.attempts
	unavailable.Err = lastErr
	return nil, nil, unavailable
}

func (e *Engine) attempt(ctx context.Context, model *domain.ModelEntry, prompt string, cfg *domain.RequestConfig, timeout time.Duration) (*domain.ModelResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := e.invoker.Invoke(attemptCtx, model, prompt, cfg)
	if err == nil && resp == nil {
		err = errors.New("invoker returned no response")
	}
	metrics.RecordModelCall(model.ModelIdentifier, err == nil)
	return resp, err
}

// commit 以实际用量结算预留；超出上限或单请求成本上限只记录日志。
func (e *Engine) commit(ctx context.Context, r *run) {
	result, err := e.ledger.Commit(context.WithoutCancel(ctx), r.reservation, r.cost, r.response.InputTokens+r.response.OutputTokens)
	if err != nil {
		e.logger.Error("quota commit failed", zap.String("request_id", r.id), zap.Error(err))
	}
	if result != nil && len(result.Overruns) > 0 {
		e.logger.Warn("actual usage exceeded quota ceiling",
			zap.String("request_id", r.id),
			zap.Any("overruns", result.Overruns),
		)
	}
	if r.cfg.MaxCostPerRequest != nil && r.cost > *r.cfg.MaxCostPerRequest {
		e.logger.Warn("actual cost exceeded per-request ceiling",
			zap.String("request_id", r.id),
			zap.Float64("cost", r.cost),
			zap.Float64("ceiling", *r.cfg.MaxCostPerRequest),
		)
	}
}

// finish 释放未结算的预留并写入唯一的请求日志。
func (e *Engine) finish(ctx context.Context, r *run, err error) error {
	if err != nil && ctx.Err() != nil && !errors.Is(err, domain.ErrCancelled) && domain.ErrorKind(err) == domain.KindInternal {
		err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}
	if r.reservation != nil && !r.reservation.Settled() {
		if releaseErr := e.ledger.Release(context.WithoutCancel(ctx), r.reservation); releaseErr != nil {
			e.logger.Error("quota release failed", zap.String("request_id", r.id), zap.Error(releaseErr))
		}
	}

	duration := e.nowFn().Sub(r.start)
	entry := e.buildEntry(r, err, duration)
	e.recorder.Record(entry)

	outcome := "success"
	if err != nil {
		outcome = domain.ErrorKind(err)
		e.logger.Info("governed request failed",
			zap.String("request_id", r.id),
			zap.String("use_case", r.req.UseCase),
			zap.String("user_id", r.req.Identity.UserID),
			zap.String("state", string(r.state)),
			zap.String("error_kind", outcome),
			zap.Error(err),
		)
		r.state = StateFailed
	}
	metrics.RecordGovernedRequest(r.req.UseCase, outcome, duration)
	return err
}

func (e *Engine) buildEntry(r *run, err error, duration time.Duration) *domain.RequestLogEntry {
	entry := &domain.RequestLogEntry{
		ID:             r.id,
		UseCase:        r.req.UseCase,
		UserID:         r.req.Identity.UserID,
		EffectiveRole:  r.req.Identity.EffectiveRole,
		IPAddress:      r.req.Identity.IP,
		PromptChars:    utf8.RuneCountInString(r.req.Prompt),
		PromptHash:     hashPrompt(r.req.Prompt),
		DurationMs:     duration.Milliseconds(),
		Attempts:       r.attempts,
		UsedFallback:   r.fallback,
		WasSuccessful:  err == nil,
		GuardrailFlags: append([]string{}, r.flags...),
		CreatedAt:      e.nowFn().UTC(),
	}
	if r.cfg != nil {
		entry.ConfigID = &r.cfg.ID
	}
	if r.model != nil {
		entry.ModelIdentifier = &r.model.ModelIdentifier
	}
	if r.response != nil {
		entry.InputTokens = r.response.InputTokens
		entry.OutputTokens = r.response.OutputTokens
		entry.Cost = r.cost
		entry.ResponseChars = utf8.RuneCountInString(r.text)
	}
	if err != nil {
		kind := domain.ErrorKind(err)
		message := err.Error()
		entry.ErrorKind = &kind
		entry.ErrorMessage = &message
	}
	return entry
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}
	return nil
}

// estimateTokens 以每 4 个字符一个 token 估算输入，输出按 max_tokens 计。
func estimateTokens(prompt string, maxTokens int) (int64, int64) {
	chars := int64(utf8.RuneCountInString(prompt))
	return (chars + 3) / 4, int64(maxTokens)
}

// normalizeUsage 在服务商未返回用量时按字符数估算。
func normalizeUsage(resp *domain.ModelResponse, prompt string) *domain.ModelResponse {
	out := *resp
	if out.InputTokens == 0 && out.OutputTokens == 0 {
		out.InputTokens, _ = estimateTokens(prompt, 0)
		out.OutputTokens, _ = estimateTokens(resp.Text, 0)
	}
	return &out
}

func hashPrompt(prompt string) string {
	sum := blake2b.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
