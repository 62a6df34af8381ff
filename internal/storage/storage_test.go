package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testRecord(id, signature string) PaymentRecord {
	return PaymentRecord{
		ID:        id,
		ServerID:  "srv_1",
		ToolName:  "echo",
		Resource:  "http://localhost:8080/mcp/srv_1/tools/echo",
		Signature: signature,
		Payer:     "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		PayTo:     "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Asset:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Network:   "base-sepolia",
		Amount:    "10000",
		CreatedAt: time.Now().UTC(),
	}
}

func TestMemoryStore_InsertPending_ReplayGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.InsertPending(ctx, testRecord("pay_1", "0xsig1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	// Same signature, different tool - still rejected
	second := testRecord("pay_2", "0xsig1")
	second.ToolName = "other"
	err := store.InsertPending(ctx, second)
	if !errors.Is(err, ErrDuplicateSignature) {
		t.Errorf("expected ErrDuplicateSignature, got %v", err)
	}

	// Loser refetches the winning record by signature
	winner, err := store.GetPaymentBySignature(ctx, "0xsig1")
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if winner.ID != "pay_1" {
		t.Errorf("expected pay_1, got %s", winner.ID)
	}
	if winner.Status != PaymentStatusPending {
		t.Errorf("expected pending, got %s", winner.Status)
	}
}

func TestMemoryStore_MarkCompleted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.InsertPending(ctx, testRecord("pay_1", "0xsig1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	settledAt := time.Now().UTC()
	if err := store.MarkCompleted(ctx, "pay_1", "0xtxhash", settledAt); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	record, err := store.GetPayment(ctx, "pay_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != PaymentStatusCompleted {
		t.Errorf("expected completed, got %s", record.Status)
	}
	if record.TransactionHash != "0xtxhash" {
		t.Errorf("expected transaction hash, got %s", record.TransactionHash)
	}
	if record.SettledAt == nil {
		t.Error("expected settled_at")
	}

	// Second finalization attempt is rejected
	if err := store.MarkCompleted(ctx, "pay_1", "0xother", settledAt); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
	if err := store.MarkFailed(ctx, "pay_1", "late"); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestMemoryStore_MarkFailed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.InsertPending(ctx, testRecord("pay_1", "0xsig1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.MarkFailed(ctx, "pay_1", "insufficient_funds"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	record, _ := store.GetPayment(ctx, "pay_1")
	if record.Status != PaymentStatusFailed || record.FailureReason != "insufficient_funds" {
		t.Errorf("unexpected record %+v", record)
	}

	if err := store.MarkFailed(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ExpirePending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := testRecord("pay_old", "0xsig_old")
	old.CreatedAt = time.Now().Add(-10 * time.Minute)
	fresh := testRecord("pay_fresh", "0xsig_fresh")

	if err := store.InsertPending(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertPending(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	count, err := store.ExpirePending(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 expired, got %d", count)
	}

	expired, _ := store.GetPayment(ctx, "pay_old")
	if expired.Status != PaymentStatusFailed || expired.FailureReason != FailureReasonExpired {
		t.Errorf("unexpected expired record %+v", expired)
	}

	stillPending, _ := store.GetPayment(ctx, "pay_fresh")
	if stillPending.Status != PaymentStatusPending {
		t.Errorf("fresh record should stay pending, got %s", stillPending.Status)
	}

	// The expired signature stays claimed
	err = store.InsertPending(ctx, testRecord("pay_retry", "0xsig_old"))
	if !errors.Is(err, ErrDuplicateSignature) {
		t.Errorf("expired signature should stay claimed, got %v", err)
	}
}

func TestMemoryStore_ListPaymentsByServer(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"pay_1", "pay_2", "pay_3"} {
		record := testRecord(id, "0xsig"+id)
		record.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if i == 2 {
			record.ServerID = "srv_other"
		}
		if err := store.InsertPending(ctx, record); err != nil {
			t.Fatal(err)
		}
	}

	records, err := store.ListPaymentsByServer(ctx, "srv_1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// Newest first
	if records[0].ID != "pay_2" {
		t.Errorf("expected pay_2 first, got %s", records[0].ID)
	}
}

func TestMemoryStore_ArchiveOldPayments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	settled := testRecord("pay_settled", "0xsig_settled")
	settled.CreatedAt = time.Now().Add(-48 * time.Hour)
	pending := testRecord("pay_pending", "0xsig_pending")
	pending.CreatedAt = time.Now().Add(-48 * time.Hour)

	if err := store.InsertPending(ctx, settled); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertPending(ctx, pending); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkCompleted(ctx, "pay_settled", "0xtx", time.Now()); err != nil {
		t.Fatal(err)
	}

	count, err := store.ArchiveOldPayments(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 archived, got %d", count)
	}

	// Pending records are never archived
	if _, err := store.GetPayment(ctx, "pay_pending"); err != nil {
		t.Errorf("pending record should survive archival: %v", err)
	}
	if _, err := store.GetPayment(ctx, "pay_settled"); !errors.Is(err, ErrNotFound) {
		t.Errorf("settled record should be archived, got %v", err)
	}
}

func TestMemoryStore_Proofs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	proof := SettlementProof{
		Signature:   "0xsig1",
		PaymentID:   "pay_1",
		Transaction: "0xtx",
		Network:     "base-sepolia",
		Payer:       "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		Response:    json.RawMessage(`{"success":true,"transaction":"0xtx","network":"base-sepolia"}`),
	}
	if err := store.RecordProof(ctx, proof); err != nil {
		t.Fatalf("record proof: %v", err)
	}

	got, err := store.GetProofBySignature(ctx, "0xsig1")
	if err != nil {
		t.Fatalf("get proof: %v", err)
	}
	if got.Transaction != "0xtx" {
		t.Errorf("unexpected proof %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be filled")
	}

	if _, err := store.GetProofBySignature(ctx, "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
