package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestSignerVerifierRoundTrip(t *testing.T) {
	privatePath, publicPath := writeKeyPair(t, "svc")
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: privatePath, KeyID: "k1", Issuer: "loan-service"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{
		PublicKeys:     map[string]string{"k1": publicPath},
		Audience:       "book",
		AllowedIssuers: []string{"loan-service"},
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := signer.Sign("book")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	caller, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if caller != "loan-service" {
		t.Fatalf("caller = %q", caller)
	}
}

func TestVerifierRejects(t *testing.T) {
	privatePath, publicPath := writeKeyPair(t, "reject")
	verifier, err := NewVerifier(VerifierOptions{
		PublicKeys:     map[string]string{"k1": publicPath},
		Audience:       "loan",
		AllowedIssuers: []string{"scheduler"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	sign := func(kid, issuer, audience string, expires time.Time) string {
		s, err := NewSigner(SignerOptions{PrivateKeyPath: privatePath, KeyID: kid, Issuer: issuer})
		if err != nil {
			t.Fatalf("new signer: %v", err)
		}
		s.now = func() time.Time { return expires.Add(-DefaultTokenTTL) }
		token, err := s.Sign(audience)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return token
	}
	later := time.Now().Add(time.Minute)

	tests := map[string]string{
		"wrong audience": sign("k1", "scheduler", "book", later),
		"unknown issuer": sign("k1", "intruder", "loan", later),
		"unknown kid":    sign("k2", "scheduler", "loan", later),
		"expired":        sign("k1", "scheduler", "loan", time.Now().Add(-time.Minute)),
		"empty":          "",
		"missing kid":    unsignedKid(t, privatePath),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNewSignerRequiresKeyPath(t *testing.T) {
	if _, err := NewSigner(SignerOptions{Issuer: "loan-service"}); err == nil {
		t.Fatalf("expected missing key path to fail")
	}
}

func TestParsePublicKeys(t *testing.T) {
	parsed, err := ParsePublicKeys("k1=/a.pem, k2=/b.pem")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != 2 || parsed["k2"] != "/b.pem" {
		t.Fatalf("unexpected parse result: %v", parsed)
	}
	if _, err := ParsePublicKeys("k1"); err == nil {
		t.Fatalf("expected malformed entry to fail")
	}
}

func unsignedKid(t *testing.T, privatePath string) string {
	t.Helper()
	key, err := loadPrivateKey(privatePath)
	if err != nil {
		t.Fatalf("load private key: %v", err)
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "scheduler",
		Audience:  jwt.ClaimStrings{"loan"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		ID:        "jti-1",
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func writeKeyPair(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}
