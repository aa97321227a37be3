// Package auth verifies bearer credentials for the operator endpoints.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"vrpopt/internal/config"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Verifier validates bearer tokens. Supported modes: none (every request is
// an admin), token (static shared token) and hmac (HS256 JWT).
type Verifier struct {
	Mode       string
	Token      []byte
	HMACSecret []byte
	RoleClaim  string
	now        func() time.Time
}

type Principal struct {
	Subject string
	Role    string
}

func (p Principal) IsAdmin() bool { return p.Role == "admin" }

func NewVerifier(c config.Auth) *Verifier {
	mode := strings.ToLower(strings.TrimSpace(c.Mode))
	if mode == "" {
		mode = "none"
	}
	claim := c.RoleClaim
	if claim == "" {
		claim = "role"
	}
	return &Verifier{
		Mode:       mode,
		Token:      []byte(c.Token),
		HMACSecret: []byte(c.HMACSecret),
		RoleClaim:  claim,
		now:        time.Now,
	}
}

// Enabled reports whether requests must carry credentials.
func (v *Verifier) Enabled() bool { return v != nil && v.Mode != "none" }

// FromRequest verifies the Authorization header of r.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	if !v.Enabled() {
		return Principal{Subject: "anonymous", Role: "admin"}, nil
	}
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return Principal{}, ErrMissingToken
	}
	return v.Verify(strings.TrimSpace(authz[7:]))
}

func (v *Verifier) Verify(token string) (Principal, error) {
	switch v.Mode {
	case "token":
		if len(v.Token) == 0 || subtle.ConstantTimeCompare([]byte(token), v.Token) != 1 {
			return Principal{}, ErrInvalidToken
		}
		return Principal{Subject: "token", Role: "admin"}, nil
	case "hmac":
		return v.verifyJWT(token)
	}
	return Principal{}, errors.New("auth: unsupported mode " + v.Mode)
}

func (v *Verifier) verifyJWT(token string) (Principal, error) {
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, ErrInvalidToken
	}
	headerJSON, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	payloadJSON, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil || hdr.Alg != "HS256" {
		return Principal{}, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, v.HMACSecret)
	mac.Write([]byte(segs[0] + "." + segs[1]))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return Principal{}, ErrInvalidToken
	}

	var claims map[string]any
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Principal{}, ErrInvalidToken
	}
	if exp, ok := claims["exp"].(float64); ok && v.now().Unix() >= int64(exp) {
		return Principal{}, errors.New("auth: token expired")
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims[v.RoleClaim].(string)
	if role == "" {
		role = "user"
	}
	return Principal{Subject: sub, Role: strings.ToLower(role)}, nil
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
