package registry

import "errors"

// Sentinel errors returned by Registry operations.
var (
	ErrDuplicateAgent   = errors.New("registry: duplicate agent_id")
	ErrTokenInvalid     = errors.New("registry: temp token invalid")
	ErrTokenExpired     = errors.New("registry: temp token expired")
	ErrTokenAlreadyUsed = errors.New("registry: temp token already used")
	ErrTypeNotAllowed   = errors.New("registry: agent_type not allowed")
	ErrValidationFailed = errors.New("registry: validation failed")
	ErrStorageError     = errors.New("registry: storage error")
	ErrNotFound         = errors.New("registry: agent not found")
	ErrUnauthorized     = errors.New("registry: unauthorized")
)
