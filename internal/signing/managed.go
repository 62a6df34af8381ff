package signing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"

	"github.com/ToolGate/gateway/internal/accounts"
	"github.com/ToolGate/gateway/internal/cdp"
	"github.com/ToolGate/gateway/internal/money"
	"github.com/ToolGate/gateway/internal/x402"
)

// validAfterSkew backdates the authorization window so facilitator and chain
// clocks slightly behind ours still accept it.
const validAfterSkew = 600 * time.Second

// walletProvider is the slice of the provider client the strategy uses.
type walletProvider interface {
	CreateOrGetAccount(ctx context.Context, name string) (cdp.Account, error)
	SignTypedData(ctx context.Context, address string, data apitypes.TypedData) (string, error)
}

// ManagedWalletStrategy signs payments with the caller's provider-managed
// wallet. It requires an authenticated identity holding an active managed
// wallet on the required network; gas-sponsored smart accounts are preferred
// over plain EOAs when the user has both.
type ManagedWalletStrategy struct {
	wallets  accounts.WalletStore
	provider walletProvider
}

func NewManagedWalletStrategy(wallets accounts.WalletStore, provider walletProvider) *ManagedWalletStrategy {
	return &ManagedWalletStrategy{wallets: wallets, provider: provider}
}

func (s *ManagedWalletStrategy) Name() string { return "managed-wallet" }

func (s *ManagedWalletStrategy) CanSign(ctx context.Context, req *Request) bool {
	if req.Identity == nil || req.Identity.UserID == "" {
		return false
	}
	if !money.IsEVMNetwork(req.Requirements.Network) {
		return false
	}
	_, err := s.resolveWallet(ctx, req)
	return err == nil
}

func (s *ManagedWalletStrategy) Sign(ctx context.Context, req *Request) (string, error) {
	wallet, err := s.resolveWallet(ctx, req)
	if err != nil {
		return "", err
	}

	address := wallet.Address
	if address == "" {
		// First use of this wallet: provision the provider account.
		account, err := s.provider.CreateOrGetAccount(ctx, providerAccountName(wallet, req.Identity))
		if err != nil {
			return "", fmt.Errorf("provision account: %w", err)
		}
		address = account.Address
	}

	reqs := req.Requirements
	value, ok := new(big.Int).SetString(reqs.MaxAmountRequired, 10)
	if !ok || value.Sign() < 0 {
		return "", fmt.Errorf("invalid payment amount %q", reqs.MaxAmountRequired)
	}
	chainID, ok := money.ChainID(reqs.Network)
	if !ok {
		return "", fmt.Errorf("unknown EVM network %q", reqs.Network)
	}
	domainName, domainVersion, err := eip712Domain(reqs)
	if err != nil {
		return "", err
	}

	nonce, err := generateNonce()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	now := time.Now()
	validAfter := now.Add(-validAfterSkew).Unix()
	validBefore := now.Add(time.Duration(reqs.MaxTimeoutSeconds) * time.Second).Unix()

	typedData := transferAuthorizationTypedData(
		domainName, domainVersion, chainID, reqs.Asset,
		address, reqs.PayTo, value, validAfter, validBefore, nonce,
	)

	signature, err := s.provider.SignTypedData(ctx, address, typedData)
	if err != nil {
		return "", fmt.Errorf("sign authorization: %w", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("user_id", req.Identity.UserID).
		Str("network", reqs.Network).
		Str("wallet", address).
		Msg("signed payment with managed wallet")

	payload := x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     reqs.Network,
		Payload: x402.EVMPayload{
			Signature: signature,
			Authorization: x402.EVMAuthorization{
				From:        address,
				To:          reqs.PayTo,
				Value:       value.String(),
				ValidAfter:  fmt.Sprintf("%d", validAfter),
				ValidBefore: fmt.Sprintf("%d", validBefore),
				Nonce:       nonce,
			},
		},
	}
	return x402.EncodePayment(payload)
}

// resolveWallet prefers a gas-sponsored smart account over a plain EOA.
func (s *ManagedWalletStrategy) resolveWallet(ctx context.Context, req *Request) (accounts.UserWallet, error) {
	wallet, err := s.wallets.PrimaryManagedWallet(ctx, req.Identity.UserID, req.Requirements.Network, "evm-smart")
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, accounts.ErrWalletNotFound) {
		return accounts.UserWallet{}, fmt.Errorf("resolve wallet: %w", err)
	}
	wallet, err = s.wallets.PrimaryManagedWallet(ctx, req.Identity.UserID, req.Requirements.Network, "evm")
	if err != nil {
		if errors.Is(err, accounts.ErrWalletNotFound) {
			return accounts.UserWallet{}, err
		}
		return accounts.UserWallet{}, fmt.Errorf("resolve wallet: %w", err)
	}
	return wallet, nil
}

func providerAccountName(wallet accounts.UserWallet, identity *accounts.Identity) string {
	if wallet.ProviderAccount != "" {
		return wallet.ProviderAccount
	}
	return "toolgate-" + identity.UserID
}

// eip712Domain resolves the token contract's EIP-712 domain parameters,
// preferring the requirement's extra section over the token registry.
func eip712Domain(reqs x402.PaymentRequirements) (name, version string, err error) {
	if reqs.Extra != nil {
		name, _ = reqs.Extra["name"].(string)
		version, _ = reqs.Extra["version"].(string)
		if name != "" && version != "" {
			return name, version, nil
		}
	}
	info, lookupErr := money.Lookup(reqs.Network, reqs.Asset)
	if lookupErr != nil {
		return "", "", fmt.Errorf("token %s on %s: missing EIP-712 domain parameters", reqs.Asset, reqs.Network)
	}
	return info.EIP712Name, info.EIP712Version, nil
}

func transferAuthorizationTypedData(domainName, domainVersion string, chainID int64, asset, from, to string, value *big.Int, validAfter, validBefore int64, nonce string) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        from,
			"to":          to,
			"value":       value.String(),
			"validAfter":  fmt.Sprintf("%d", validAfter),
			"validBefore": fmt.Sprintf("%d", validBefore),
			"nonce":       nonce,
		},
	}
}

func generateNonce() (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(nonce[:]), nil
}
