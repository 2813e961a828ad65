package schema

import "errors"

var (
	ErrUnknownSchema  = errors.New("schema: unknown contract")
	ErrInvalidOutput  = errors.New("schema: output does not satisfy contract")
	ErrEmptyRegistry  = errors.New("schema: no contracts defined")
	ErrInvalidDefault = errors.New("schema: invalid contract definition")
)
