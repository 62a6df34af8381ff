package cdp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

func TestNewAuth_RejectsBadInput(t *testing.T) {
	if _, err := NewAuth("", testKeyPEM(t), ""); err == nil {
		t.Error("expected error for empty api key id")
	}
	if _, err := NewAuth("key-id", "not pem", ""); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestGenerateBearerToken(t *testing.T) {
	auth, err := NewAuth("organizations/org/apiKeys/key-1", testKeyPEM(t), "")
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}

	token, err := auth.GenerateBearerToken("GET", "/platform/v2/evm/accounts")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected compact JWT, got %d parts", len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if header.Alg != "ES256" {
		t.Errorf("expected ES256 for an EC key, got %s", header.Alg)
	}
	if header.Kid != "organizations/org/apiKeys/key-1" {
		t.Errorf("kid header = %s", header.Kid)
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	var claims struct {
		Iss     string `json:"iss"`
		Sub     string `json:"sub"`
		URI     string `json:"uri"`
		ReqHash string `json:"reqHash"`
	}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if claims.Iss != "coinbase-cloud" {
		t.Errorf("issuer = %s", claims.Iss)
	}
	if claims.URI != "GET api.cdp.coinbase.com/platform/v2/evm/accounts" {
		t.Errorf("uri claim = %s", claims.URI)
	}
	if claims.ReqHash != "" {
		t.Errorf("bearer token must not carry a reqHash, got %s", claims.ReqHash)
	}
}

func TestGenerateWalletAuthToken(t *testing.T) {
	auth, err := NewAuth("key-1", testKeyPEM(t), "wallet-secret")
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}

	body := []byte(`{"name":"acct"}`)
	hash := sha256.Sum256(body)
	token, err := auth.GenerateWalletAuthToken("POST", "/platform/v2/evm/accounts", hash[:])
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected compact JWT, got %d parts", len(parts))
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	var claims struct {
		ReqHash string `json:"reqHash"`
	}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if len(claims.ReqHash) != 64 {
		t.Errorf("expected hex sha256 reqHash, got %q", claims.ReqHash)
	}
}
