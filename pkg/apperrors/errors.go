package apperrors

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrValidation             = errors.New("invalid input")
	ErrRuleInactive           = errors.New("rule is inactive")
	ErrDuplicateDelivery      = errors.New("delivery already recorded for dedupe key")
	ErrMappingField           = errors.New("mapping does not define field")
	ErrUnknownPredicate       = errors.New("unknown condition predicate")
	ErrCredentialsKeyMismatch = errors.New("connection credentials were encrypted with a different key")
)
