//go:generate go run go.uber.org/mock/mockgen -source=authenticator.go -destination=../mocks/mock_authenticator.go -package=mocks

package gateway

import (
	"context"
	"encoding/json"
)

// Identity is the principal an Authenticator resolved.
type Identity struct {
	Email string
}

// Authenticator verifies the raw payload of an initialize event.
// A non-nil error or an identity without an email counts as failure.
type Authenticator interface {
	Authenticate(ctx context.Context, raw json.RawMessage) (Identity, error)
}
