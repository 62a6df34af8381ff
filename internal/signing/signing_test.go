package signing

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ToolGate/gateway/internal/accounts"
	"github.com/ToolGate/gateway/internal/cdp"
	"github.com/ToolGate/gateway/internal/x402"
)

const (
	testWalletAddress = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	testReceiver      = "0x1111111111111111111111111111111111111111"
	testAsset         = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

type fakeProvider struct {
	signedData  []apitypes.TypedData
	provisioned []string
	signErr     error
	accountAddr string
}

func (p *fakeProvider) CreateOrGetAccount(ctx context.Context, name string) (cdp.Account, error) {
	p.provisioned = append(p.provisioned, name)
	return cdp.Account{ID: "acc_1", Name: name, Address: p.accountAddr}, nil
}

func (p *fakeProvider) SignTypedData(ctx context.Context, address string, data apitypes.TypedData) (string, error) {
	if p.signErr != nil {
		return "", p.signErr
	}
	p.signedData = append(p.signedData, data)
	return "0x" + strings.Repeat("ab", 65), nil
}

func testRequest() *Request {
	return &Request{
		Identity: &accounts.Identity{UserID: "user-1", KeyID: "key-1"},
		Requirements: x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           "base-sepolia",
			MaxAmountRequired: "10000",
			Asset:             testAsset,
			PayTo:             testReceiver,
			MaxTimeoutSeconds: 300,
			Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
		},
	}
}

func walletStoreWith(wallet accounts.UserWallet) *accounts.MemoryStore {
	store := accounts.NewMemoryStore()
	store.AddWallet(wallet)
	return store
}

func TestManagedWalletStrategy_Sign(t *testing.T) {
	store := walletStoreWith(accounts.UserWallet{
		ID: "w1", UserID: "user-1", Address: testWalletAddress,
		Network: "base-sepolia", Architecture: "evm", Managed: true, Primary: true,
	})
	provider := &fakeProvider{}
	strategy := NewManagedWalletStrategy(store, provider)

	req := testRequest()
	if !strategy.CanSign(context.Background(), req) {
		t.Fatal("expected CanSign for user with managed wallet")
	}

	header, err := strategy.Sign(context.Background(), req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	payload, err := x402.DecodePayment(header)
	if err != nil {
		t.Fatalf("decode signed header: %v", err)
	}
	auth := payload.Payload.Authorization
	if !strings.EqualFold(auth.From, testWalletAddress) {
		t.Errorf("from = %s, want wallet address", auth.From)
	}
	if !strings.EqualFold(auth.To, testReceiver) {
		t.Errorf("to = %s, want receiver", auth.To)
	}
	if auth.Value != "10000" {
		t.Errorf("value = %s", auth.Value)
	}
	if len(auth.Nonce) != 66 {
		t.Errorf("nonce should be 32 hex bytes, got %q", auth.Nonce)
	}

	if len(provider.provisioned) != 0 {
		t.Errorf("wallet with a known address must not be re-provisioned")
	}
	if len(provider.signedData) != 1 {
		t.Fatalf("expected 1 signing call, got %d", len(provider.signedData))
	}
	data := provider.signedData[0]
	if data.PrimaryType != "TransferWithAuthorization" {
		t.Errorf("primary type = %s", data.PrimaryType)
	}
	if data.Domain.Name != "USDC" || data.Domain.Version != "2" {
		t.Errorf("domain = %s/%s, want requirement extra", data.Domain.Name, data.Domain.Version)
	}
	if (*big.Int)(data.Domain.ChainId).Int64() != 84532 {
		t.Errorf("chain id = %v", data.Domain.ChainId)
	}
}

func TestManagedWalletStrategy_ProvisionsOnFirstUse(t *testing.T) {
	store := walletStoreWith(accounts.UserWallet{
		ID: "w1", UserID: "user-1", Address: "",
		Network: "base-sepolia", Architecture: "evm", Managed: true, Primary: true,
	})
	provider := &fakeProvider{accountAddr: testWalletAddress}
	strategy := NewManagedWalletStrategy(store, provider)

	if _, err := strategy.Sign(context.Background(), testRequest()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(provider.provisioned) != 1 {
		t.Fatalf("expected provisioning call, got %d", len(provider.provisioned))
	}
	if provider.provisioned[0] != "toolgate-user-1" {
		t.Errorf("account name = %s", provider.provisioned[0])
	}
}

func TestManagedWalletStrategy_PrefersSmartAccount(t *testing.T) {
	store := accounts.NewMemoryStore()
	store.AddWallet(accounts.UserWallet{
		ID: "w1", UserID: "user-1", Address: testReceiver,
		Network: "base-sepolia", Architecture: "evm", Managed: true, Primary: true,
	})
	store.AddWallet(accounts.UserWallet{
		ID: "w2", UserID: "user-1", Address: testWalletAddress,
		Network: "base-sepolia", Architecture: "evm-smart", Managed: true, Primary: true,
	})
	strategy := NewManagedWalletStrategy(store, &fakeProvider{})

	header, err := strategy.Sign(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload, err := x402.DecodePayment(header)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.EqualFold(payload.Payload.Authorization.From, testWalletAddress) {
		t.Errorf("expected smart account wallet, got %s", payload.Payload.Authorization.From)
	}
}

func TestManagedWalletStrategy_CanSignRejections(t *testing.T) {
	store := walletStoreWith(accounts.UserWallet{
		ID: "w1", UserID: "user-1", Address: testWalletAddress,
		Network: "base-sepolia", Architecture: "evm", Managed: true, Primary: true,
	})
	strategy := NewManagedWalletStrategy(store, &fakeProvider{})
	ctx := context.Background()

	anonymous := testRequest()
	anonymous.Identity = nil
	if strategy.CanSign(ctx, anonymous) {
		t.Error("anonymous requests must not be signable")
	}

	wrongNetwork := testRequest()
	wrongNetwork.Requirements.Network = "solana"
	if strategy.CanSign(ctx, wrongNetwork) {
		t.Error("non-EVM networks must not be signable")
	}

	noWallet := testRequest()
	noWallet.Identity = &accounts.Identity{UserID: "user-2"}
	if strategy.CanSign(ctx, noWallet) {
		t.Error("users without a managed wallet must not be signable")
	}
}

type stubStrategy struct {
	name    string
	canSign bool
	err     error
	calls   int
}

func (s *stubStrategy) Name() string                                   { return s.name }
func (s *stubStrategy) CanSign(ctx context.Context, req *Request) bool { return s.canSign }
func (s *stubStrategy) Sign(ctx context.Context, req *Request) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "header-" + s.name, nil
}

func TestSelector_FirstEligibleWins(t *testing.T) {
	first := &stubStrategy{name: "first", canSign: false}
	second := &stubStrategy{name: "second", canSign: true}
	third := &stubStrategy{name: "third", canSign: true}

	header, err := NewSelector(first, second, third).Sign(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if header != "header-second" {
		t.Errorf("header = %s", header)
	}
	if first.calls != 0 || third.calls != 0 {
		t.Error("only the selected strategy should sign")
	}
}

func TestSelector_NoFallbackAfterFailedSign(t *testing.T) {
	failing := &stubStrategy{name: "failing", canSign: true, err: errors.New("provider down")}
	backup := &stubStrategy{name: "backup", canSign: true}

	_, err := NewSelector(failing, backup).Sign(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error from failed strategy")
	}
	if backup.calls != 0 {
		t.Error("a failed sign must not fall through to the next strategy")
	}
}

func TestSelector_NoStrategy(t *testing.T) {
	_, err := NewSelector(&stubStrategy{name: "nope"}).Sign(context.Background(), testRequest())
	if !errors.Is(err, ErrNoStrategy) {
		t.Errorf("expected ErrNoStrategy, got %v", err)
	}
}
