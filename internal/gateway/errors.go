package gateway

import "errors"

var (
	// ErrAuthentication means the initialize payload did not authenticate.
	ErrAuthentication = errors.New("authentication is required to initialize this channel")
	// ErrDecode means an inbound payload could not be decoded.
	ErrDecode = errors.New("malformed payload")
	// ErrNotReady means the connection sent traffic before initializing.
	ErrNotReady = errors.New("connection is not initialized")
	// ErrUnsupportedEvent means the event is not valid on this channel.
	ErrUnsupportedEvent = errors.New("unsupported event")
)
