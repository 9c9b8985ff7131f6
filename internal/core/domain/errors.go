package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnavailable       = errors.New("product is not available")
	ErrInsufficientStock = errors.New("insufficient stock available")
	ErrUnauthorized      = errors.New("unauthorized access to cart item")
	ErrValidation        = errors.New("validation failed")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
)
