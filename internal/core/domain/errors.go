package domain

import "errors"

var (
	ErrNotFound                = errors.New("inventory record not found")
	ErrUnsupportedMovementType = errors.New("unsupported movement type")
	ErrVersionConflict         = errors.New("optimistic lock conflict")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInvalidQuantity         = errors.New("invalid quantity")
	ErrMissingLocation         = errors.New("missing location")
	ErrLineAlreadyApplied      = errors.New("movement line already applied")
	ErrInvalidMovement         = errors.New("invalid movement")
)
