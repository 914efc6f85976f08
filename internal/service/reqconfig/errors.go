package reqconfig

import "errors"

var (
	ErrConfigNotFound  = errors.New("request config not found")
	ErrVersionNotFound = errors.New("request config version not found")
	ErrNameRequired    = errors.New("request config name required")
	ErrInvalidConfig   = errors.New("invalid request config")
	ErrDefaultExists   = errors.New("another active default config exists for this tier")
	ErrVersionMismatch = errors.New("request config was modified concurrently")
	ErrUnknownModel    = errors.New("referenced model does not exist")
	ErrDuplicateName   = errors.New("request config name already exists")
)
