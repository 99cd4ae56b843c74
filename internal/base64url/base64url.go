// Package base64url implements the unpadded base64url alphabet used by
// compact tokens and key material.
package base64url

import (
	"encoding/base64"
	"strings"
)

// Encode encodes bytes as base64url without padding.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode decodes base64url. Padded input from older issuers is tolerated.
func Decode(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
