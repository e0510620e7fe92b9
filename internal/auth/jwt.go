package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// JWTAuthenticator verifies HS256 tokens minted by the credential store.
type JWTAuthenticator struct {
	secret []byte
	now    func() time.Time
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), now: time.Now}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return User{}, ErrUnauthorized
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return User{}, ErrUnauthorized
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil || header.Alg != "HS256" {
		return User{}, ErrUnauthorized
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return User{}, ErrUnauthorized
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return User{}, ErrUnauthorized
	}

	mac := hmac.New(sha256.New, a.secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return User{}, ErrUnauthorized
	}

	var claims struct {
		Sub         int64  `json:"sub"`
		Name        string `json:"name"`
		ServerAdmin bool   `json:"serverAdmin"`
		Exp         int64  `json:"exp"`
	}
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return User{}, ErrUnauthorized
	}
	if claims.Sub == 0 || claims.Name == "" {
		return User{}, ErrUnauthorized
	}
	if claims.Exp != 0 && a.now().Unix() >= claims.Exp {
		return User{}, ErrUnauthorized
	}
	return User{ID: claims.Sub, Name: claims.Name, IsServerAdmin: claims.ServerAdmin}, nil
}

// MintToken builds a signed token. Exposed for tests and local tooling;
// the production credential store mints its own.
func (a *JWTAuthenticator) MintToken(user User, ttl time.Duration) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := map[string]any{
		"sub":         user.ID,
		"name":        user.Name,
		"serverAdmin": user.IsServerAdmin,
	}
	if ttl > 0 {
		claims["exp"] = a.now().Add(ttl).Unix()
	}
	payloadBytes, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	mac := hmac.New(sha256.New, a.secret)
	_, _ = mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + sig
}
