package cdp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// Token lifetimes required by the provider. Wallet-auth tokens are shorter
// because they authorize a single signing call.
const (
	bearerTokenLifetime = 2 * time.Minute
	walletTokenLifetime = 1 * time.Minute
)

// Auth holds wallet-provider API credentials and mints the two JWT flavors
// the API expects: a Bearer token on every call and an X-Wallet-Auth token on
// signing calls. Immutable after construction, safe for concurrent use.
type Auth struct {
	apiKeyID     string
	walletSecret string
	privateKey   any // *ecdsa.PrivateKey or ed25519 via crypto.Signer
}

// apiKeyClaims extends the standard claims with the provider's request
// binding fields.
type apiKeyClaims struct {
	*jwt.Claims
	// URI is "{METHOD} api.cdp.coinbase.com{path}".
	URI string `json:"uri"`
	// ReqHash is the hex SHA-256 of the request body, wallet-auth only.
	ReqHash string `json:"reqHash,omitempty"`
}

// NewAuth parses the PEM-encoded private key and returns an Auth. The key
// may be an EC private key or PKCS8 (ECDSA or Ed25519).
func NewAuth(apiKeyID, apiKeySecret, walletSecret string) (*Auth, error) {
	if apiKeyID == "" {
		return nil, fmt.Errorf("cdp: api key id must not be empty")
	}

	block, _ := pem.Decode([]byte(apiKeySecret))
	if block == nil {
		return nil, fmt.Errorf("cdp: api key secret is not valid PEM")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		key, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return nil, fmt.Errorf("cdp: parse private key: %w", pkcs8Err)
		}
		switch key.(type) {
		case *ecdsa.PrivateKey, crypto.Signer:
		default:
			return nil, fmt.Errorf("cdp: unsupported private key type, must be ECDSA or Ed25519")
		}
		return &Auth{apiKeyID: apiKeyID, walletSecret: walletSecret, privateKey: key}, nil
	}

	return &Auth{apiKeyID: apiKeyID, walletSecret: walletSecret, privateKey: privateKey}, nil
}

// GenerateBearerToken mints the Authorization token for one request.
func (a *Auth) GenerateBearerToken(method, path string) (string, error) {
	return a.generateJWT(method, path, nil, bearerTokenLifetime)
}

// GenerateWalletAuthToken mints the X-Wallet-Auth token for a signing
// request. bodyHash is the SHA-256 of the exact request body bytes.
func (a *Auth) GenerateWalletAuthToken(method, path string, bodyHash []byte) (string, error) {
	return a.generateJWT(method, path, bodyHash, walletTokenLifetime)
}

func (a *Auth) generateJWT(method, path string, bodyHash []byte, lifetime time.Duration) (string, error) {
	alg := jose.EdDSA
	if _, ok := a.privateKey.(*ecdsa.PrivateKey); ok {
		alg = jose.ES256
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: a.privateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", a.apiKeyID),
	)
	if err != nil {
		return "", fmt.Errorf("cdp: create signer: %w", err)
	}

	var reqHash string
	if len(bodyHash) > 0 {
		reqHash = hex.EncodeToString(bodyHash)
	}

	now := time.Now()
	claims := &apiKeyClaims{
		Claims: &jwt.Claims{
			Subject:   a.apiKeyID,
			Issuer:    "coinbase-cloud",
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(lifetime)),
		},
		URI:     fmt.Sprintf("%s api.cdp.coinbase.com%s", method, path),
		ReqHash: reqHash,
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("cdp: serialize jwt: %w", err)
	}
	return token, nil
}
