package guardrail

import (
	"sort"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/metrics"
)

// Stage 区分提示词与响应两个执行阶段。
type Stage string

const (
	StagePre  Stage = "prompt"
	StagePost Stage = "response"
)

// Outcome 是一次护栏链执行的结论。
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFlagged Outcome = "flagged"
)

// Decision 汇总护栏链的执行结果。
type Decision struct {
	Outcome   Outcome  `json:"outcome"`
	Guardrail string   `json:"guardrail,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Flags     []string `json:"flags,omitempty"`
	Applied   []string `json:"applied,omitempty"`
}

// Blocked 表示护栏链是否被阻断。
func (d Decision) Blocked() bool {
	return d.Outcome == OutcomeBlocked
}

// Err 在阻断时返回 GuardrailBlockedError。
func (d Decision) Err(stage Stage) error {
	if !d.Blocked() {
		return nil
	}
	return &domain.GuardrailBlockedError{Guardrail: d.Guardrail, Reason: d.Reason, Stage: string(stage)}
}

// Compiled 是已解析配置、可直接执行的护栏。
type Compiled struct {
	ID             string
	Name           string
	Type           domain.GuardrailType
	Action         domain.GuardrailAction
	ExecutionOrder int
	Rule           Rule
}

// Compile 解析存储的护栏配置。
func Compile(g *domain.Guardrail) (*Compiled, error) {
	rule, _, err := ParseConfig(g.Type, g.Action, g.Config)
	if err != nil {
		return nil, err
	}
	return &Compiled{
		ID:             g.ID,
		Name:           g.Name,
		Type:           g.Type,
		Action:         g.Action,
		ExecutionOrder: g.ExecutionOrder,
		Rule:           rule,
	}, nil
}

// Sort 按 execution_order 升序排列，相同时按 ID 排序。
func Sort(chain []*Compiled) {
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].ExecutionOrder != chain[j].ExecutionOrder {
			return chain[i].ExecutionOrder < chain[j].ExecutionOrder
		}
		return chain[i].ID < chain[j].ID
	})
}

// RunPre 对提示词执行护栏链。
func RunPre(prompt string, chain []*Compiled) (string, Decision) {
	return run(StagePre, prompt, chain)
}

// RunPost 对模型响应执行护栏链。
func RunPost(response string, chain []*Compiled) (string, Decision) {
	return run(StagePost, response, chain)
}

// run 依序执行护栏：block 立即终止，redact/truncate 改写后继续，flag 记录后继续。
func run(stage Stage, text string, chain []*Compiled) (string, Decision) {
	decision := Decision{Outcome: OutcomeAllow}
	for _, g := range chain {
		hit, reason := g.Rule.Evaluate(text)
		if !hit {
			continue
		}
		metrics.RecordGuardrailAction(g.Name, string(stage), string(g.Action))

		switch g.Action {
		case domain.ActionBlock:
			decision.Outcome = OutcomeBlocked
			decision.Guardrail = g.Name
			decision.Reason = reason
			return text, decision
		case domain.ActionRedact, domain.ActionTruncate:
			text = g.Rule.Transform(text, g.Action)
			decision.Applied = append(decision.Applied, g.Name+": "+string(g.Action))
		case domain.ActionFlag:
			decision.Flags = append(decision.Flags, g.Name+": "+reason)
		}
	}
	if len(decision.Flags) > 0 {
		decision.Outcome = OutcomeFlagged
	}
	return text, decision
}
