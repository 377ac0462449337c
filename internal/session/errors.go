package session

import "errors"

var (
	ErrInvalidUserID    = errors.New("user id is required")
	ErrIdentityFixed    = errors.New("connection is already registered as another user")
	ErrSessionClosed    = errors.New("connection is closed")
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateSession = errors.New("session already open for this connection")
)
