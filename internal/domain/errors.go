package domain

import "errors"

var (
	ErrInvalidOrder       = errors.New("invalid order")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrSymbolNotFound     = errors.New("symbol not found")
	ErrMissingCredentials = errors.New("missing exchange credentials")
	ErrOrderNotFound      = errors.New("order not found")
)
