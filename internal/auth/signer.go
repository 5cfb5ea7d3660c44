package auth

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer builds per-call bearer credentials from an access/secret key pair.
// Keys are held as bytes so they can be wiped and never travel through the
// logger. One Signer instance is shared by all REST callers and the private
// stream; nonce generation is serialized so no two calls ever share a nonce.
type Signer struct {
	accessKey string
	secretKey []byte

	mu        sync.Mutex
	lastNonce string
}

// NewSigner creates a signer for the given credential pair.
func NewSigner(accessKey, secretKey string) *Signer {
	return &Signer{
		accessKey: accessKey,
		secretKey: []byte(secretKey),
	}
}

// Wipe clears the secret key from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for i := range s.secretKey {
		s.secretKey[i] = 0
	}
}

// Sign returns the Authorization header value for one call. rawQuery must be
// the exact encoded query string sent on the wire (empty for calls without
// parameters); its SHA512 becomes the query_hash claim. Every call gets a
// fresh single-use nonce.
func (s *Signer) Sign(rawQuery string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": s.accessKey,
		"nonce":      s.nonce(),
	}

	if rawQuery != "" {
		sum := sha512.Sum512([]byte(rawQuery))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}
	return "Bearer " + token, nil
}

// nonce returns a process-unique nonce. Generation is serialized and the
// previous value is compared so a duplicate can never be emitted even if the
// underlying source misbehaves.
func (s *Signer) nonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := uuid.NewString()
	for n == s.lastNonce {
		n = uuid.NewString()
	}
	s.lastNonce = n
	return n
}

// Param is one query parameter. Multi-valued parameters repeat the key with
// the array-bracket suffix.
type Param struct {
	Key   string
	Value string
}

// EncodeQuery renders params in the encoding the exchange verifies against:
// keys sorted, values percent-escaped, array brackets left literal. The
// transport must send this string verbatim, otherwise the query hash will
// intermittently fail authentication.
func EncodeQuery(params []Param) string {
	if len(params) == 0 {
		return ""
	}

	sorted := make([]Param, len(params))
	copy(sorted, params)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var b strings.Builder
	for i, p := range sorted {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escapeKey(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// escapeKey escapes a parameter key while keeping the [] array suffix
// literal, as the exchange expects for bulk endpoints.
func escapeKey(key string) string {
	if strings.HasSuffix(key, "[]") {
		return url.QueryEscape(strings.TrimSuffix(key, "[]")) + "[]"
	}
	return url.QueryEscape(key)
}
