package auth

import (
	"crypto/sha512"
	"encoding/hex"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func parseClaims(t *testing.T, header, secret string) jwt.MapClaims {
	t.Helper()
	raw := strings.TrimPrefix(header, "Bearer ")
	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatalf("unexpected claims type %T", token.Claims)
	}
	return claims
}

func TestSignWithoutQueryOmitsHash(t *testing.T) {
	s := NewSigner("ak", "sk")
	header, err := s.Sign("")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims := parseClaims(t, header, "sk")
	if claims["access_key"] != "ak" {
		t.Errorf("unexpected access_key %v", claims["access_key"])
	}
	if claims["nonce"] == "" || claims["nonce"] == nil {
		t.Error("missing nonce")
	}
	if _, ok := claims["query_hash"]; ok {
		t.Error("query_hash must be absent without parameters")
	}
}

func TestSignHashesExactQueryString(t *testing.T) {
	s := NewSigner("ak", "sk")
	raw := EncodeQuery([]Param{{"market", "KRW-BTC"}, {"count", "10"}})
	header, err := s.Sign(raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims := parseClaims(t, header, "sk")
	sum := sha512.Sum512([]byte(raw))
	if claims["query_hash"] != hex.EncodeToString(sum[:]) {
		t.Errorf("query_hash mismatch for %q", raw)
	}
	if claims["query_hash_alg"] != "SHA512" {
		t.Errorf("unexpected query_hash_alg %v", claims["query_hash_alg"])
	}
}

func TestConcurrentNoncesAreDistinct(t *testing.T) {
	s := NewSigner("ak", "sk")
	const n = 200

	headers := make([]string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			header, err := s.Sign("")
			if err != nil {
				t.Errorf("sign: %v", err)
				return
			}
			headers[i] = header
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, header := range headers {
		claims := parseClaims(t, header, "sk")
		seen[claims["nonce"].(string)] = struct{}{}
	}

	if len(seen) != n {
		t.Errorf("expected %d distinct nonces, got %d", n, len(seen))
	}
}

func TestEncodeQueryOrderingAndArrays(t *testing.T) {
	raw := EncodeQuery([]Param{
		{"uuids[]", "b"},
		{"market", "KRW-BTC"},
		{"uuids[]", "a"},
	})
	want := "market=KRW-BTC&uuids[]=b&uuids[]=a"
	if raw != want {
		t.Errorf("got %q, want %q", raw, want)
	}

	if EncodeQuery(nil) != "" {
		t.Error("empty params must encode to empty string")
	}
}
