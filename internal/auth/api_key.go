package auth

import "crypto/subtle"

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(credential string) (string, error) {
	if v.Expected == "" || credential == "" {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(v.Expected), []byte(credential)) != 1 {
		return "", ErrInvalidCredentials
	}
	return "", nil
}
