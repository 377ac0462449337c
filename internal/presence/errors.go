package presence

import "errors"

var (
	ErrInvalidUser    = errors.New("presence: user id is required")
	ErrNilConnection  = errors.New("presence: connection is required")
	ErrMirrorDisabled = errors.New("presence: redis mirror is not configured")
)
