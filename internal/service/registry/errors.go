package registry

import "errors"

var (
	ErrModelNotFound       = errors.New("model not found")
	ErrModelDisabled       = errors.New("model disabled")
	ErrModelNotApproved    = errors.New("model awaiting admin approval")
	ErrModelUseCase        = errors.New("model not allowed for use case")
	ErrModelRoleRestricted = errors.New("model restricted to other roles")
	ErrNoModelAvailable    = errors.New("no callable model for use case")
)
