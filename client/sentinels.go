package client

import "errors"

var (
	ErrMissingURL           = errors.New("missing gateway url")
	ErrMissingToken         = errors.New("missing token")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrChannelFull          = errors.New("channel full")
	ErrAuthTimeout          = errors.New("authentication timed out")
	ErrNotConnected         = errors.New("not connected")
)
