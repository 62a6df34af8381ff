package payments

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ToolGate/gateway/internal/accounts"
	"github.com/ToolGate/gateway/internal/facilitator"
	"github.com/ToolGate/gateway/internal/registry"
	"github.com/ToolGate/gateway/internal/signing"
	"github.com/ToolGate/gateway/internal/storage"
	"github.com/ToolGate/gateway/internal/x402"
)

const (
	usdcBaseSepolia = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	usdcBase        = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	usdtBase        = "0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2"
	receiverAddr    = "0x1111111111111111111111111111111111111111"
	payerAddr       = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
)

type fakeFacilitator struct {
	verifyCalls int
	settleCalls int
	verifyResp  facilitator.VerifyResponse
	verifyErr   error
	settleResp  x402.SettlementResponse
	settleErr   error
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (facilitator.VerifyResponse, error) {
	f.verifyCalls++
	return f.verifyResp, f.verifyErr
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (x402.SettlementResponse, error) {
	f.settleCalls++
	return f.settleResp, f.settleErr
}

func okFacilitator() *fakeFacilitator {
	return &fakeFacilitator{
		verifyResp: facilitator.VerifyResponse{IsValid: true, Payer: payerAddr},
		settleResp: x402.SettlementResponse{Success: true, Payer: payerAddr, Transaction: "0xtx1", Network: "base-sepolia"},
	}
}

func pricedTool(name string, entries ...registry.PricingEntry) registry.Tool {
	return registry.Tool{
		ID:       "tool_" + name,
		ServerID: "srv_1",
		Name:     name,
		Status:   registry.StatusActive,
		Pricing:  entries,
	}
}

func priceEntry(network, asset, amount string, createdAt time.Time) registry.PricingEntry {
	return registry.PricingEntry{
		ID:                   "price_" + network + "_" + asset[:6],
		MaxAmountRequiredRaw: amount,
		TokenDecimals:        6,
		AssetAddress:         asset,
		Network:              network,
		Active:               true,
		CreatedAt:            createdAt,
	}
}

func testServer() registry.Server {
	return registry.Server{
		ID:              "srv_1",
		Name:            "weather",
		MCPOrigin:       "https://weather.example.com/mcp",
		ReceiverAddress: receiverAddr,
		Status:          registry.StatusActive,
	}
}

func validHeader(t *testing.T, network, value string, validFor time.Duration) string {
	t.Helper()
	now := time.Now()
	header, err := x402.EncodePayment(x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     network,
		Payload: x402.EVMPayload{
			Signature: "0x" + strings.Repeat("ab", 65),
			Authorization: x402.EVMAuthorization{
				From:        payerAddr,
				To:          receiverAddr,
				Value:       value,
				ValidAfter:  fmt.Sprintf("%d", now.Add(-10*time.Minute).Unix()),
				ValidBefore: fmt.Sprintf("%d", now.Add(validFor).Unix()),
				Nonce:       "0x" + strings.Repeat("cd", 32),
			},
		},
	})
	if err != nil {
		t.Fatalf("encode payment: %v", err)
	}
	return header
}

func newService(t *testing.T, fac Facilitator, opts ...Option) (*Service, storage.Store, *registry.MemoryRepository) {
	t.Helper()
	store := storage.NewMemoryStore()
	repo := registry.NewMemoryRepository()
	if err := repo.CreateServer(context.Background(), testServer()); err != nil {
		t.Fatalf("create server: %v", err)
	}
	svc := NewService(store, fac, repo, Config{
		PublicBase:        "https://gateway.example.com",
		PreferredNetwork:  "base-sepolia",
		MaxTimeoutSeconds: 300,
	}, opts...)
	return svc, store, repo
}

func TestBuildRequirements_Ordering(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tool := pricedTool("forecast",
		priceEntry("base", usdtBase, "20000", base),
		priceEntry("base", usdcBase, "10000", base.Add(time.Hour)),
		priceEntry("base-sepolia", usdcBaseSepolia, "10000", base.Add(2*time.Hour)),
	)

	accepts := BuildRequirements(tool, testServer(), "https://gw.example.com", "base-sepolia", 0)
	if len(accepts) != 3 {
		t.Fatalf("expected 3 options, got %d", len(accepts))
	}
	if accepts[0].Network != "base-sepolia" {
		t.Errorf("preferred network must come first, got %s", accepts[0].Network)
	}
	if accepts[1].Asset != usdcBase {
		t.Errorf("USDC must come before USDT on the same network, got %s", accepts[1].Asset)
	}
	if accepts[0].Resource != "https://gw.example.com/mcp/srv_1/tools/forecast" {
		t.Errorf("resource = %s", accepts[0].Resource)
	}
	if accepts[0].MaxTimeoutSeconds != DefaultMaxTimeoutSeconds {
		t.Errorf("max timeout default = %d", accepts[0].MaxTimeoutSeconds)
	}
	if name, _ := accepts[0].Extra["name"].(string); name != "USDC" {
		t.Errorf("extra domain name = %q", name)
	}
}

func TestBuildRequirements_FreeTool(t *testing.T) {
	free := registry.Tool{Name: "echo", Status: registry.StatusActive}
	if accepts := BuildRequirements(free, testServer(), "https://gw", "", 60); accepts != nil {
		t.Errorf("free tool must produce no requirements, got %d", len(accepts))
	}

	inactive := pricedTool("echo", registry.PricingEntry{
		MaxAmountRequiredRaw: "100", AssetAddress: usdcBase, Network: "base", Active: false,
	})
	if accepts := BuildRequirements(inactive, testServer(), "https://gw", "", 60); accepts != nil {
		t.Errorf("inactive pricing must produce no requirements")
	}
}

func TestHandlePaidCall_Challenge(t *testing.T) {
	fac := okFacilitator()
	svc, _, _ := newService(t, fac)
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))

	outcome := svc.HandlePaidCall(context.Background(), testServer(), tool, "", nil)
	required, ok := outcome.(PaymentRequired)
	if !ok {
		t.Fatalf("expected PaymentRequired, got %T", outcome)
	}
	if len(required.Accepts) != 1 || required.Reason != "" {
		t.Errorf("unexpected challenge %+v", required)
	}
	if fac.verifyCalls != 0 {
		t.Error("challenge must not touch the facilitator")
	}
}

func TestHandlePaidCall_FreeTool(t *testing.T) {
	svc, _, _ := newService(t, okFacilitator())
	free := registry.Tool{Name: "echo", Status: registry.StatusActive}

	outcome := svc.HandlePaidCall(context.Background(), testServer(), free, "", nil)
	proceed, ok := outcome.(Proceed)
	if !ok {
		t.Fatalf("expected Proceed for free tool, got %T", outcome)
	}
	if proceed.RecordID != "" {
		t.Error("free calls must not claim a payment record")
	}
}

func TestHandlePaidCall_VerifyAndClaim(t *testing.T) {
	fac := okFacilitator()
	svc, store, _ := newService(t, fac)
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))
	header := validHeader(t, "base-sepolia", "10000", 5*time.Minute)

	outcome := svc.HandlePaidCall(context.Background(), testServer(), tool, header, nil)
	proceed, ok := outcome.(Proceed)
	if !ok {
		t.Fatalf("expected Proceed, got %T: %+v", outcome, outcome)
	}
	if fac.verifyCalls != 1 {
		t.Errorf("verify calls = %d", fac.verifyCalls)
	}

	record, err := store.GetPayment(context.Background(), proceed.RecordID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if record.Status != storage.PaymentStatusPending {
		t.Errorf("status = %s", record.Status)
	}
	if record.Payer != payerAddr {
		t.Errorf("payer = %s", record.Payer)
	}
	if record.ToolName != "forecast" || record.ServerID != "srv_1" {
		t.Errorf("record %+v", record)
	}
}

func TestHandlePaidCall_LocalRejections(t *testing.T) {
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))

	tests := []struct {
		name   string
		header string
		reason string
	}{
		{"underpayment", "", x402.ReasonUnderpayment},
		{"wrong network", "", x402.ReasonWrongNetwork},
		{"expired", "", x402.ReasonExpired},
		{"malformed", "!!!not-base64!!!", ReasonMalformedHeader},
	}
	tests[0].header = validHeader(t, "base-sepolia", "9999", 5*time.Minute)
	tests[1].header = validHeader(t, "base", "10000", 5*time.Minute)
	tests[2].header = validHeader(t, "base-sepolia", "10000", -time.Minute)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac := okFacilitator()
			svc, _, _ := newService(t, fac)

			outcome := svc.HandlePaidCall(context.Background(), testServer(), tool, tt.header, nil)
			required, ok := outcome.(PaymentRequired)
			if !ok {
				t.Fatalf("expected PaymentRequired, got %T", outcome)
			}
			if required.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", required.Reason, tt.reason)
			}
			if fac.verifyCalls != 0 {
				t.Error("local rejections must not touch the facilitator")
			}
		})
	}
}

func TestHandlePaidCall_ValidBeforeBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", now))

	headerAt := func(validBefore time.Time) string {
		t.Helper()
		header, err := x402.EncodePayment(x402.PaymentPayload{
			X402Version: x402.Version,
			Scheme:      x402.SchemeExact,
			Network:     "base-sepolia",
			Payload: x402.EVMPayload{
				Signature: "0x" + strings.Repeat("ab", 65),
				Authorization: x402.EVMAuthorization{
					From:        payerAddr,
					To:          receiverAddr,
					Value:       "10000",
					ValidAfter:  fmt.Sprintf("%d", now.Add(-10*time.Minute).Unix()),
					ValidBefore: fmt.Sprintf("%d", validBefore.Unix()),
					Nonce:       "0x" + strings.Repeat("cd", 32),
				},
			},
		})
		if err != nil {
			t.Fatalf("encode payment: %v", err)
		}
		return header
	}

	clock := WithClock(func() time.Time { return now })

	svc, _, _ := newService(t, okFacilitator(), clock)
	outcome := svc.HandlePaidCall(context.Background(), testServer(), tool, headerAt(now), nil)
	required, ok := outcome.(PaymentRequired)
	if !ok {
		t.Fatalf("validBefore == now must be rejected, got %T", outcome)
	}
	if required.Reason != x402.ReasonExpired {
		t.Errorf("reason = %s, want %s", required.Reason, x402.ReasonExpired)
	}

	svc, _, _ = newService(t, okFacilitator(), clock)
	outcome = svc.HandlePaidCall(context.Background(), testServer(), tool, headerAt(now.Add(time.Second)), nil)
	if _, ok := outcome.(Proceed); !ok {
		t.Fatalf("validBefore == now+1 must proceed, got %T: %+v", outcome, outcome)
	}
}

func TestHandlePaidCall_VerifyRejected(t *testing.T) {
	fac := &fakeFacilitator{verifyResp: facilitator.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"}}
	svc, _, _ := newService(t, fac)
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))

	outcome := svc.HandlePaidCall(context.Background(), testServer(), tool, validHeader(t, "base-sepolia", "10000", 5*time.Minute), nil)
	required, ok := outcome.(PaymentRequired)
	if !ok {
		t.Fatalf("expected PaymentRequired, got %T", outcome)
	}
	if required.Reason != "insufficient_funds" {
		t.Errorf("reason = %s", required.Reason)
	}
}

func TestHandlePaidCall_FacilitatorDown(t *testing.T) {
	fac := &fakeFacilitator{verifyErr: facilitator.ErrUnavailable}
	svc, _, _ := newService(t, fac)
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))

	outcome := svc.HandlePaidCall(context.Background(), testServer(), tool, validHeader(t, "base-sepolia", "10000", 5*time.Minute), nil)
	failed, ok := outcome.(Failed)
	if !ok {
		t.Fatalf("expected Failed, got %T", outcome)
	}
	if failed.Code != http.StatusServiceUnavailable || failed.Reason != ReasonFacilitatorUnavailable {
		t.Errorf("unexpected failure %+v", failed)
	}
}

func TestHandlePaidCall_IdempotentSettledReplay(t *testing.T) {
	fac := okFacilitator()
	svc, store, _ := newService(t, fac)
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))
	header := validHeader(t, "base-sepolia", "10000", 5*time.Minute)

	outcome := svc.HandlePaidCall(context.Background(), testServer(), tool, header, nil)
	proceed := outcome.(Proceed)
	if _, err := svc.Settle(context.Background(), proceed.RecordID, proceed.Payload, proceed.Requirements); err != nil {
		t.Fatalf("settle: %v", err)
	}

	facCallsBefore := fac.verifyCalls + fac.settleCalls
	outcome = svc.HandlePaidCall(context.Background(), testServer(), tool, header, nil)
	settled, ok := outcome.(Settled)
	if !ok {
		t.Fatalf("expected Settled on re-present, got %T", outcome)
	}
	if settled.Settlement.Transaction != "0xtx1" {
		t.Errorf("transaction = %s", settled.Settlement.Transaction)
	}
	if fac.verifyCalls+fac.settleCalls != facCallsBefore {
		t.Error("idempotent re-present must make zero facilitator calls")
	}

	record, err := store.GetPayment(context.Background(), settled.RecordID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if record.Status != storage.PaymentStatusCompleted {
		t.Errorf("status = %s", record.Status)
	}
}

func TestHandlePaidCall_PendingReplayConflicts(t *testing.T) {
	fac := okFacilitator()
	svc, _, _ := newService(t, fac)
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))
	header := validHeader(t, "base-sepolia", "10000", 5*time.Minute)

	if _, ok := svc.HandlePaidCall(context.Background(), testServer(), tool, header, nil).(Proceed); !ok {
		t.Fatal("first call should proceed")
	}

	outcome := svc.HandlePaidCall(context.Background(), testServer(), tool, header, nil)
	failed, ok := outcome.(Failed)
	if !ok {
		t.Fatalf("expected Failed while pending, got %T", outcome)
	}
	if failed.Reason != x402.ReasonReplay || failed.Code != http.StatusConflict {
		t.Errorf("unexpected failure %+v", failed)
	}
}

func TestSettle_MarksFailedOnRejection(t *testing.T) {
	fac := okFacilitator()
	fac.settleResp = x402.SettlementResponse{Success: false, ErrorReason: "insufficient_funds", Network: "base-sepolia"}
	svc, store, _ := newService(t, fac)
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))

	proceed := svc.HandlePaidCall(context.Background(), testServer(), tool, validHeader(t, "base-sepolia", "10000", 5*time.Minute), nil).(Proceed)
	if _, err := svc.Settle(context.Background(), proceed.RecordID, proceed.Payload, proceed.Requirements); err == nil {
		t.Fatal("expected settle error")
	}

	record, err := store.GetPayment(context.Background(), proceed.RecordID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if record.Status != storage.PaymentStatusFailed || record.FailureReason != "insufficient_funds" {
		t.Errorf("record %+v", record)
	}
}

func TestSettle_RecordsProofAndWebhook(t *testing.T) {
	fac := okFacilitator()
	store := storage.NewMemoryStore()
	repo := registry.NewMemoryRepository()
	server := testServer()
	server.WebhookURL = "https://hooks.example.com/payments"
	if err := repo.CreateServer(context.Background(), server); err != nil {
		t.Fatalf("create server: %v", err)
	}
	svc := NewService(store, fac, repo, Config{PublicBase: "https://gw", PreferredNetwork: "base-sepolia", MaxTimeoutSeconds: 300})
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))

	proceed := svc.HandlePaidCall(context.Background(), server, tool, validHeader(t, "base-sepolia", "10000", 5*time.Minute), nil).(Proceed)
	settlement, err := svc.Settle(context.Background(), proceed.RecordID, proceed.Payload, proceed.Requirements)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settlement.Success || settlement.Transaction != "0xtx1" {
		t.Errorf("settlement %+v", settlement)
	}

	proof, err := store.GetProofBySignature(context.Background(), proceed.Payload.Payload.Signature)
	if err != nil {
		t.Fatalf("expected settlement proof: %v", err)
	}
	if proof.Transaction != "0xtx1" || proof.PaymentID != proceed.RecordID {
		t.Errorf("proof %+v", proof)
	}

	hooks, err := store.DequeueWebhooks(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue webhooks: %v", err)
	}
	if len(hooks) != 1 {
		t.Fatalf("expected 1 queued webhook, got %d", len(hooks))
	}
	if hooks[0].EventType != storage.EventPaymentCompleted {
		t.Errorf("event = %s", hooks[0].EventType)
	}
	if hooks[0].URL != server.WebhookURL {
		t.Errorf("url = %s", hooks[0].URL)
	}
}

type stubSigner struct {
	header string
	err    error
	calls  int
}

func (s *stubSigner) Sign(ctx context.Context, req *signing.Request) (string, error) {
	s.calls++
	return s.header, s.err
}

func TestHandlePaidCall_AutoSign(t *testing.T) {
	fac := okFacilitator()
	signer := &stubSigner{}
	svc, _, _ := newService(t, fac, WithSigner(signer))
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))
	signer.header = validHeader(t, "base-sepolia", "10000", 5*time.Minute)
	identity := &accounts.Identity{UserID: "user-1"}

	outcome := svc.HandlePaidCall(context.Background(), testServer(), tool, "", identity)
	if _, ok := outcome.(Proceed); !ok {
		t.Fatalf("expected Proceed via auto-sign, got %T", outcome)
	}
	if signer.calls != 1 {
		t.Errorf("signer calls = %d", signer.calls)
	}
}

func TestHandlePaidCall_AutoSignUnavailableFallsBackToChallenge(t *testing.T) {
	signer := &stubSigner{err: signing.ErrNoStrategy}
	svc, _, _ := newService(t, okFacilitator(), WithSigner(signer))
	tool := pricedTool("forecast", priceEntry("base-sepolia", usdcBaseSepolia, "10000", time.Now()))

	outcome := svc.HandlePaidCall(context.Background(), testServer(), tool, "", &accounts.Identity{UserID: "user-1"})
	if _, ok := outcome.(PaymentRequired); !ok {
		t.Fatalf("expected PaymentRequired, got %T", outcome)
	}

	// Anonymous callers never hit the signer.
	signer.calls = 0
	svc.HandlePaidCall(context.Background(), testServer(), tool, "", nil)
	if signer.calls != 0 {
		t.Error("anonymous calls must not attempt auto-sign")
	}
}

func TestJanitorSweep(t *testing.T) {
	store := storage.NewMemoryStore()
	old := storage.PaymentRecord{
		ID: "pay_old", ServerID: "srv_1", ToolName: "forecast",
		Signature: "0x" + strings.Repeat("aa", 65), Network: "base-sepolia",
		Amount: "10000", Status: storage.PaymentStatusPending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	fresh := storage.PaymentRecord{
		ID: "pay_fresh", ServerID: "srv_1", ToolName: "forecast",
		Signature: "0x" + strings.Repeat("bb", 65), Network: "base-sepolia",
		Amount: "10000", Status: storage.PaymentStatusPending,
		CreatedAt: time.Now(),
	}
	for _, record := range []storage.PaymentRecord{old, fresh} {
		if err := store.InsertPending(context.Background(), record); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	janitor := NewJanitor(store, nil, time.Minute, 300)
	janitor.sweep(context.Background())

	expired, err := store.GetPayment(context.Background(), "pay_old")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if expired.Status != storage.PaymentStatusFailed || expired.FailureReason != storage.FailureReasonExpired {
		t.Errorf("old record %+v", expired)
	}

	kept, err := store.GetPayment(context.Background(), "pay_fresh")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if kept.Status != storage.PaymentStatusPending {
		t.Errorf("fresh record must stay pending, got %s", kept.Status)
	}
}
