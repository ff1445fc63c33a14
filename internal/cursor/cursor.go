// Package cursor encodes and decodes opaque continuation tokens.
//
// A token binds a backend resume position (or an in-memory offset) to the
// sha256 signature of the query that issued it, so a cursor replayed against
// a different query signature is detected before any I/O happens.
package cursor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Attr is a backend key attribute in portable form.
type Attr struct {
	// Type is the attribute type: "S", "N" or "B".
	Type string `json:"t"`

	// Value is the attribute value. Binary values are base64-encoded.
	Value string `json:"v"`
}

// Token is the decoded content of a continuation cursor.
type Token struct {
	// Sig is the signature of the query the token was issued for.
	Sig string `json:"s"`

	// Pos is the backend-native resume position (native paging strategy).
	Pos map[string]Attr `json:"p,omitempty"`

	// Off is the in-memory resume offset (predicate paging strategy).
	Off int `json:"o,omitempty"`
}

// Signature hashes the identity parts of a paging request into a stable
// signature string.
func Signature(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Encode serializes the token into its opaque wire form.
func Encode(t Token) string {
	raw, err := json.Marshal(t)
	if err != nil {
		// Token holds only strings, maps and ints; marshal cannot fail.
		panic(fmt.Sprintf("cursor: encode: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses an opaque token. Any malformed input returns an error; callers
// surface it as an invalid-cursor failure.
func Decode(s string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("cursor: decode: %w", err)
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, fmt.Errorf("cursor: decode: %w", err)
	}
	if t.Sig == "" {
		return Token{}, errors.New("cursor: decode: missing signature")
	}
	return t, nil
}
