package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestServer() Server {
	return Server{
		Name:            "demo",
		MCPOrigin:       "https://tools.example.com/mcp",
		ReceiverAddress: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		CreatorID:       "user_1",
	}
}

func mustCreateServer(t *testing.T, repo Repository) Server {
	t.Helper()

	server := newTestServer()
	if err := repo.CreateServer(context.Background(), server); err != nil {
		t.Fatalf("create server: %v", err)
	}
	created, err := repo.FindByOrigin(context.Background(), server.MCPOrigin, server.CreatorID)
	if err != nil {
		t.Fatalf("find by origin: %v", err)
	}
	return created
}

func TestMemoryRepository_CreateAndFind(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	server := mustCreateServer(t, repo)
	if server.ID == "" || server.Status != StatusActive {
		t.Errorf("unexpected server %+v", server)
	}

	got, err := repo.GetServer(ctx, server.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MCPOrigin != server.MCPOrigin {
		t.Errorf("unexpected origin %s", got.MCPOrigin)
	}

	// Same origin + creator is a duplicate
	if err := repo.CreateServer(ctx, newTestServer()); !errors.Is(err, ErrDuplicateServer) {
		t.Errorf("expected ErrDuplicateServer, got %v", err)
	}

	// Different creator registers independently
	other := newTestServer()
	other.CreatorID = "user_2"
	if err := repo.CreateServer(ctx, other); err != nil {
		t.Errorf("different creator should register: %v", err)
	}

	if _, err := repo.GetServer(ctx, "srv_missing"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
}

func TestMemoryRepository_UpsertTools(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	server := mustCreateServer(t, repo)

	added, removed, err := repo.UpsertTools(ctx, server.ID, []Tool{
		{Name: "echo", Description: "echoes input", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "search", Description: "searches"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if added != 2 || removed != 0 {
		t.Errorf("expected 2 added, got added=%d removed=%d", added, removed)
	}

	// New tools start free and active
	tool, err := repo.GetToolByName(ctx, server.ID, "echo")
	if err != nil {
		t.Fatalf("get tool: %v", err)
	}
	if tool.IsMonetized() {
		t.Error("new tool should be free")
	}
	if tool.Status != StatusActive {
		t.Errorf("expected active, got %s", tool.Status)
	}

	// Price one tool, then re-ping without "search"
	pricing := []PricingEntry{{
		MaxAmountRequiredRaw: "10000",
		TokenDecimals:        6,
		AssetAddress:         "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Network:              "base-sepolia",
		Active:               true,
	}}
	if err := repo.SetToolPricing(ctx, server.ID, "echo", pricing); err != nil {
		t.Fatalf("set pricing: %v", err)
	}

	added, removed, err = repo.UpsertTools(ctx, server.ID, []Tool{
		{Name: "echo", Description: "echoes input v2"},
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if added != 0 || removed != 1 {
		t.Errorf("expected 1 removed, got added=%d removed=%d", added, removed)
	}

	// Pricing survives reconciliation, description refreshed
	tool, err = repo.GetToolByName(ctx, server.ID, "echo")
	if err != nil {
		t.Fatal(err)
	}
	if !tool.IsMonetized() {
		t.Error("pricing should survive re-ping")
	}
	if tool.Description != "echoes input v2" {
		t.Errorf("description should refresh, got %q", tool.Description)
	}
	if tool.Pricing[0].ID == "" || tool.Pricing[0].CreatedAt.IsZero() {
		t.Error("pricing entry defaults should be filled")
	}

	// Missing tool goes inactive, not deleted
	search, err := repo.GetToolByName(ctx, server.ID, "search")
	if err != nil {
		t.Fatal(err)
	}
	if search.Status != StatusInactive {
		t.Errorf("expected inactive, got %s", search.Status)
	}

	// Tool reappearing on a later ping is reactivated
	if _, _, err := repo.UpsertTools(ctx, server.ID, []Tool{{Name: "echo"}, {Name: "search"}}); err != nil {
		t.Fatal(err)
	}
	search, _ = repo.GetToolByName(ctx, server.ID, "search")
	if search.Status != StatusActive {
		t.Errorf("expected reactivated, got %s", search.Status)
	}
}

func TestMemoryRepository_SetServerStatus(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	server := mustCreateServer(t, repo)

	if err := repo.SetServerStatus(ctx, server.ID, StatusInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ := repo.GetServer(ctx, server.ID)
	if got.Status != StatusInactive {
		t.Errorf("expected inactive, got %s", got.Status)
	}

	if err := repo.SetServerStatus(ctx, "srv_missing", StatusActive); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
}

// countingRepository counts underlying reads to verify cache behavior.
type countingRepository struct {
	*MemoryRepository
	getServerCalls int
	listToolsCalls int
}

func (c *countingRepository) GetServer(ctx context.Context, serverID string) (Server, error) {
	c.getServerCalls++
	return c.MemoryRepository.GetServer(ctx, serverID)
}

func (c *countingRepository) ListTools(ctx context.Context, serverID string) ([]Tool, error) {
	c.listToolsCalls++
	return c.MemoryRepository.ListTools(ctx, serverID)
}

func TestCachedRepository_ReadThrough(t *testing.T) {
	underlying := &countingRepository{MemoryRepository: NewMemoryRepository()}
	repo := NewCachedRepository(underlying, time.Minute)
	ctx := context.Background()

	server := mustCreateServer(t, underlying.MemoryRepository)
	if _, _, err := underlying.UpsertTools(ctx, server.ID, []Tool{{Name: "echo"}}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := repo.GetServer(ctx, server.ID); err != nil {
			t.Fatalf("get server: %v", err)
		}
		if _, err := repo.GetToolByName(ctx, server.ID, "echo"); err != nil {
			t.Fatalf("get tool: %v", err)
		}
	}

	if underlying.getServerCalls != 1 {
		t.Errorf("expected 1 underlying GetServer call, got %d", underlying.getServerCalls)
	}
	if underlying.listToolsCalls != 1 {
		t.Errorf("expected 1 underlying ListTools call, got %d", underlying.listToolsCalls)
	}
}

func TestCachedRepository_WriteInvalidates(t *testing.T) {
	underlying := &countingRepository{MemoryRepository: NewMemoryRepository()}
	repo := NewCachedRepository(underlying, time.Minute)
	ctx := context.Background()

	server := mustCreateServer(t, underlying.MemoryRepository)
	if _, _, err := repo.UpsertTools(ctx, server.ID, []Tool{{Name: "echo"}}); err != nil {
		t.Fatal(err)
	}

	// Warm the cache
	if _, err := repo.GetToolByName(ctx, server.ID, "echo"); err != nil {
		t.Fatal(err)
	}

	pricing := []PricingEntry{{
		MaxAmountRequiredRaw: "5000",
		TokenDecimals:        6,
		AssetAddress:         "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Network:              "base-sepolia",
		Active:               true,
	}}
	if err := repo.SetToolPricing(ctx, server.ID, "echo", pricing); err != nil {
		t.Fatalf("set pricing: %v", err)
	}

	// Next read sees the new pricing immediately
	tool, err := repo.GetToolByName(ctx, server.ID, "echo")
	if err != nil {
		t.Fatal(err)
	}
	if !tool.IsMonetized() {
		t.Error("cache should be invalidated by pricing write")
	}
}

func TestCachedRepository_PassThrough(t *testing.T) {
	underlying := &countingRepository{MemoryRepository: NewMemoryRepository()}
	repo := NewCachedRepository(underlying, 0)
	ctx := context.Background()

	server := mustCreateServer(t, underlying.MemoryRepository)

	for i := 0; i < 2; i++ {
		if _, err := repo.GetServer(ctx, server.ID); err != nil {
			t.Fatal(err)
		}
	}
	if underlying.getServerCalls != 2 {
		t.Errorf("TTL 0 should pass through, got %d calls", underlying.getServerCalls)
	}
}
