package models

import "errors"

// Error taxonomy for the realtime surface. The gateway maps these onto
// per-channel error frames; ErrAuthentication is the only one that refuses
// the connection itself.
var (
	ErrAuthentication     = errors.New("authentication error")
	ErrValidation         = errors.New("invalid payload")
	ErrNotFound           = errors.New("not found")
	ErrProviderOffline    = errors.New("provider is offline")
	ErrRecipientOffline   = errors.New("recipient is offline")
	ErrInvalidTransition  = errors.New("invalid session transition")
	ErrInvalidCoordinates = errors.New("invalid coordinates")
)
