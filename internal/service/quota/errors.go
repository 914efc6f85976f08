package quota

import "errors"

var (
	ErrScopeNotFound  = errors.New("quota scope not found")
	ErrInvalidScope   = errors.New("invalid quota scope")
	ErrNilReservation = errors.New("nil quota reservation")
	ErrAlreadySettled = errors.New("quota reservation already settled")
)
