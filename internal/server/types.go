package server

import (
	"errors"
	"strings"
)

var (
	// ErrClientClosed is returned by Emit once the connection is gone.
	ErrClientClosed = errors.New("client connection closed")
	// ErrSendBufferFull is returned by Emit when the client cannot keep up.
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Stats is the body of GET /stats.
type Stats struct {
	Identities  int             `json:"identities"`
	Rooms       int             `json:"rooms"`
	Users       int             `json:"users"`
	Connections ConnectionStats `json:"connections"`
}

// ConnectionStats counts open WebSocket connections per channel.
type ConnectionStats struct {
	Global       int `json:"global"`
	Conversation int `json:"conversation"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
