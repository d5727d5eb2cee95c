package session

import "errors"

var (
	ErrInvalidTenantID = errors.New("tenant id is required")
	ErrRegistryClosed  = errors.New("session registry is closed")
	ErrNotConnected    = errors.New("session is not connected")
)
