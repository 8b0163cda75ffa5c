package auth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/convochat/internal/gateway"
	"github.com/tidwall/gjson"
)

// TokenAuthenticator turns an initialize payload into an identity. The payload
// is either {"token": "<jwt>"} or the bare token as a JSON string.
type TokenAuthenticator struct {
	tokens *TokenManager
}

func NewTokenAuthenticator(tokens *TokenManager) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

var _ gateway.Authenticator = (*TokenAuthenticator)(nil)

func (a *TokenAuthenticator) Authenticate(_ context.Context, raw json.RawMessage) (gateway.Identity, error) {
	token, err := TokenFromPayload(raw)
	if err != nil {
		return gateway.Identity{}, err
	}
	email, err := a.tokens.Verify(token)
	if err != nil {
		return gateway.Identity{}, err
	}
	return gateway.Identity{Email: email}, nil
}

// TokenFromPayload extracts the token from an initialize payload.
func TokenFromPayload(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("%w: payload is not JSON", ErrInvalidToken)
	}
	res := gjson.ParseBytes(raw)
	switch {
	case res.Type == gjson.String:
		if res.Str != "" {
			return res.Str, nil
		}
	case res.IsObject():
		if t := res.Get("token"); t.Type == gjson.String && t.Str != "" {
			return t.Str, nil
		}
	}
	return "", fmt.Errorf("%w: token", ErrMissingClaim)
}
