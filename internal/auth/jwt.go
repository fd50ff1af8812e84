package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

// Generous upper bound; anything larger is rejected before any decoding.
const maxJWTLen = 8 * 1024

// jwtVerifier validates HS256 tokens minted by the embedding application.
//
// Only the claims the relay cares about are checked: signature, exp, nbf and
// a non-empty sub (the caller's account id, used for logging only).
type jwtVerifier struct {
	secret []byte
	now    func() time.Time
}

func newJWTVerifier(secret string) jwtVerifier {
	return jwtVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

type jwtClaims struct {
	Sub string `json:"sub"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
	Iat int64  `json:"iat"`
}

func (v jwtVerifier) Verify(token string) (string, error) {
	if token == "" || len(token) > maxJWTLen {
		return "", ErrInvalidCredentials
	}

	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", ErrInvalidCredentials
	}
	payloadB64, sigB64, found := strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", ErrInvalidCredentials
	}
	if headerB64 == "" || payloadB64 == "" || sigB64 == "" {
		return "", ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return "", ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return "", ErrUnsupportedJWT
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != sha256.Size {
		return "", ErrInvalidCredentials
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return "", ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	var claims jwtClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return "", ErrInvalidCredentials
	}

	now := v.now().Unix()
	if claims.Exp == 0 || now >= claims.Exp {
		return "", ErrInvalidCredentials
	}
	if claims.Nbf != 0 && now < claims.Nbf {
		return "", ErrInvalidCredentials
	}
	if claims.Sub == "" {
		return "", ErrInvalidCredentials
	}

	return claims.Sub, nil
}
