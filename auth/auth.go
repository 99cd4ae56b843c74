// Package auth implements the signed bearer tokens that bind a websocket
// session to a channel. Tokens are compact JWS (HS256) strings; verification
// recomputes the MAC over the signed part and compares in constant time
// before checking the registered temporal claims.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meshcall/sfu/internal/base64url"
	"github.com/meshcall/sfu/internal/timeutil"
	"github.com/meshcall/sfu/sfuerrors"
)

// AlgHS256 is the only supported signing algorithm.
const AlgHS256 = "HS256"

// IssuedAtSkew bounds how far in the future an iat claim may sit.
const IssuedAtSkew = 60 * time.Second

var (
	ErrInvalidFormat  = errors.New("token invalid format")
	ErrInvalidB64     = errors.New("token invalid base64url")
	ErrInvalidJSON    = errors.New("token invalid json")
	ErrInvalidSig     = errors.New("token invalid signature")
	ErrUnsupportedAlg = errors.New("token unsupported algorithm")
	ErrExpired        = errors.New("token expired")
	ErrNotYetValid    = errors.New("token not yet valid")
	ErrIATInFuture    = errors.New("token iat in future")
	ErrMissingKey     = errors.New("missing signing key")
)

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}

// Claims carries the registered and private claims the control plane
// recognises. Unknown claims are dropped on the floor by design; the token is
// not a general-purpose envelope.
type Claims struct {
	Iss string `json:"iss,omitempty"`
	Exp int64  `json:"exp,omitempty"`
	Nbf int64  `json:"nbf,omitempty"`
	Iat int64  `json:"iat,omitempty"`

	ChannelUUID         string              `json:"sfu_channel_uuid,omitempty"`
	SessionID           string              `json:"session_id,omitempty"`
	IceServers          json.RawMessage     `json:"ice_servers,omitempty"`
	Key                 string              `json:"key,omitempty"`
	SessionIDsByChannel map[string][]string `json:"sessionIdsByChannel,omitempty"`
}

// Sign builds a compact HS256 token over the claims.
func Sign(claims Claims, key []byte, alg string) (string, error) {
	if len(key) == 0 {
		return "", sfuerrors.Wrap(sfuerrors.KindConfig, sfuerrors.CodeMissingKey, ErrMissingKey)
	}
	if alg == "" {
		alg = AlgHS256
	}
	if alg != AlgHS256 {
		return "", sfuerrors.Wrap(sfuerrors.KindConfig, sfuerrors.CodeUnknownAlgorithm, fmt.Errorf("%w: %q", ErrUnsupportedAlg, alg))
	}
	hb, err := json.Marshal(header{Alg: alg, Typ: "JWT"})
	if err != nil {
		return "", err
	}
	cb, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signed := base64url.Encode(hb) + "." + base64url.Encode(cb)
	return signed + "." + base64url.Encode(mac(key, signed)), nil
}

// Verify checks the signature and temporal claims of a compact token.
//
// Every failure is an authentication error; callers distinguish causes via
// errors.Is against the sentinels above.
func Verify(tokenStr string, key []byte, now time.Time) (Claims, error) {
	return verify(tokenStr, key, now)
}

func verify(tokenStr string, key []byte, now time.Time) (Claims, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return Claims{}, authErr(sfuerrors.CodeInvalidToken, ErrInvalidFormat)
	}
	hb, err := base64url.Decode(parts[0])
	if err != nil {
		return Claims{}, authErr(sfuerrors.CodeInvalidToken, ErrInvalidB64)
	}
	cb, err := base64url.Decode(parts[1])
	if err != nil {
		return Claims{}, authErr(sfuerrors.CodeInvalidToken, ErrInvalidB64)
	}
	sig, err := base64url.Decode(parts[2])
	if err != nil {
		return Claims{}, authErr(sfuerrors.CodeInvalidToken, ErrInvalidB64)
	}
	var h header
	if err := json.Unmarshal(hb, &h); err != nil {
		return Claims{}, authErr(sfuerrors.CodeInvalidToken, ErrInvalidJSON)
	}
	if h.Alg != AlgHS256 {
		return Claims{}, authErr(sfuerrors.CodeUnknownAlgorithm, fmt.Errorf("%w: %q", ErrUnsupportedAlg, h.Alg))
	}
	signed := parts[0] + "." + parts[1]
	if subtle.ConstantTimeCompare(sig, mac(key, signed)) != 1 {
		return Claims{}, authErr(sfuerrors.CodeInvalidSignature, ErrInvalidSig)
	}
	var c Claims
	if err := json.Unmarshal(cb, &c); err != nil {
		return Claims{}, authErr(sfuerrors.CodeInvalidToken, ErrInvalidJSON)
	}

	if now.IsZero() {
		now = time.Now()
	}
	if c.Exp != 0 && time.Unix(c.Exp, 0).Before(now) {
		return Claims{}, authErr(sfuerrors.CodeExpired, ErrExpired)
	}
	if c.Nbf != 0 && time.Unix(c.Nbf, 0).After(now) {
		return Claims{}, authErr(sfuerrors.CodeNotYetValid, ErrNotYetValid)
	}
	if c.Iat != 0 && c.Iat > timeutil.AddSkewUnix(now.Unix(), IssuedAtSkew) {
		return Claims{}, authErr(sfuerrors.CodeIssuedInFuture, ErrIATInFuture)
	}
	return c, nil
}

func authErr(code sfuerrors.Code, err error) error {
	return sfuerrors.Wrap(sfuerrors.KindAuthentication, code, err)
}

func mac(key []byte, signed string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(signed))
	return m.Sum(nil)
}
