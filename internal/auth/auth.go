package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/machikoi/call-relay/internal/config"
)

// Verifier checks an admission credential before a call connection is
// upgraded. Room membership authorization stays with the embedding
// application; the relay only gates admission to the service.
type Verifier interface {
	// Verify returns nil for a valid credential. On success the returned
	// subject identifies the caller for logging (may be empty).
	Verify(credential string) (subject string, err error)
}

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return allowAll{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return newJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type allowAll struct{}

func (allowAll) Verify(string) (string, error) { return "", nil }

// CredentialFromQuery extracts the admission credential for the configured
// mode from the upgrade request's query parameters.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
