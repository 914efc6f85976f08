package guardrail

import "errors"

var (
	ErrGuardrailNotFound = errors.New("guardrail not found")
	ErrNameRequired      = errors.New("guardrail name required")
	ErrInvalidConfig     = errors.New("invalid guardrail config")
	ErrDuplicateName     = errors.New("guardrail name already exists")
)
