package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrUnknownEvent      = errors.New("unknown event")
	ErrIdentityMismatch  = errors.New("claimed user does not match the connection's identity")
)
