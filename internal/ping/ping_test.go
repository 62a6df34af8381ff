package ping

import (
	"context"
	"errors"
	"testing"

	"github.com/ToolGate/gateway/internal/accounts"
	"github.com/ToolGate/gateway/internal/registry"
	"github.com/ToolGate/gateway/internal/storage"
	"github.com/ToolGate/gateway/internal/upstream"
)

type fakeInvalidator struct {
	invalidated []string
}

func (f *fakeInvalidator) Invalidate(serverID string) {
	f.invalidated = append(f.invalidated, serverID)
}

// probeOnly answers the handshake on one exact origin.
func probeOnly(origin string, tools []upstream.ToolInfo, probed *[]string) probeFunc {
	return func(ctx context.Context, candidate string, headers map[string]string) ([]upstream.ToolInfo, error) {
		if probed != nil {
			*probed = append(*probed, candidate)
		}
		if candidate != origin {
			return nil, errors.New("connection refused")
		}
		return tools, nil
	}
}

func pingRequest() Request {
	return Request{
		DetectedURLs:    []string{"https://weather.example.com"},
		ServerName:      "weather",
		ReceiverAddress: "0x1111111111111111111111111111111111111111",
	}
}

func TestHandle_RegistersNewServer(t *testing.T) {
	repo := registry.NewMemoryRepository()
	pool := &fakeInvalidator{}
	var probed []string
	svc := NewService(repo, storage.NewMemoryStore(), pool,
		WithProbe(probeOnly("https://weather.example.com/mcp", []upstream.ToolInfo{
			{Name: "forecast", Description: "7 day forecast"},
			{Name: "alerts"},
		}, &probed)))

	identity := &accounts.Identity{UserID: "user-1"}
	result, err := svc.Handle(context.Background(), pingRequest(), identity)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if !result.NewlyCreated {
		t.Error("expected a new registration")
	}
	if result.Origin != "https://weather.example.com/mcp" {
		t.Errorf("origin = %s", result.Origin)
	}
	if result.ToolCount != 2 || result.ToolsAdded != 2 {
		t.Errorf("result %+v", result)
	}
	// Bare URL is probed before the /mcp variant.
	if len(probed) != 2 || probed[0] != "https://weather.example.com" {
		t.Errorf("probed %v", probed)
	}

	server, err := repo.FindByOrigin(context.Background(), result.Origin, "user-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if server.Name != "weather" || server.CreatorID != "user-1" {
		t.Errorf("server %+v", server)
	}

	tools, err := repo.ListTools(context.Background(), server.ID)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("tools = %d", len(tools))
	}
	for _, tool := range tools {
		if tool.IsMonetized() {
			t.Errorf("discovered tool %s must start free", tool.Name)
		}
		if tool.Status != registry.StatusActive {
			t.Errorf("tool %s status = %s", tool.Name, tool.Status)
		}
	}

	if len(pool.invalidated) != 1 || pool.invalidated[0] != server.ID {
		t.Errorf("invalidated %v", pool.invalidated)
	}
}

func TestHandle_RepingIsIdempotentAndPreservesPricing(t *testing.T) {
	repo := registry.NewMemoryRepository()
	svc := NewService(repo, nil, nil,
		WithProbe(probeOnly("https://weather.example.com/mcp", []upstream.ToolInfo{
			{Name: "forecast"},
		}, nil)))
	identity := &accounts.Identity{UserID: "user-1"}

	first, err := svc.Handle(context.Background(), pingRequest(), identity)
	if err != nil {
		t.Fatalf("first ping: %v", err)
	}

	pricing := []registry.PricingEntry{{
		MaxAmountRequiredRaw: "10000",
		TokenDecimals:        6,
		AssetAddress:         "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Network:              "base-sepolia",
		Active:               true,
	}}
	if err := repo.SetToolPricing(context.Background(), first.Server.ID, "forecast", pricing); err != nil {
		t.Fatalf("set pricing: %v", err)
	}

	second, err := svc.Handle(context.Background(), pingRequest(), identity)
	if err != nil {
		t.Fatalf("second ping: %v", err)
	}
	if second.NewlyCreated {
		t.Error("re-ping must not create a second server")
	}
	if second.Server.ID != first.Server.ID {
		t.Errorf("server id changed: %s != %s", second.Server.ID, first.Server.ID)
	}
	if second.ToolsAdded != 0 || second.ToolsRemoved != 0 {
		t.Errorf("re-ping changed tools: %+v", second)
	}

	tool, err := repo.GetToolByName(context.Background(), first.Server.ID, "forecast")
	if err != nil {
		t.Fatalf("get tool: %v", err)
	}
	if !tool.IsMonetized() {
		t.Error("pricing must survive a re-ping")
	}
}

func TestHandle_MissingToolsDeactivatedAndWebhookQueued(t *testing.T) {
	repo := registry.NewMemoryRepository()
	store := storage.NewMemoryStore()

	probe := probeOnly("https://weather.example.com/mcp", []upstream.ToolInfo{
		{Name: "forecast"}, {Name: "alerts"},
	}, nil)
	svc := NewService(repo, store, nil, WithProbe(probe))

	req := pingRequest()
	req.WebhookURL = "https://hooks.example.com/tools"
	identity := &accounts.Identity{UserID: "user-1"}

	first, err := svc.Handle(context.Background(), req, identity)
	if err != nil {
		t.Fatalf("first ping: %v", err)
	}

	// Second ping announces one tool fewer.
	svc.probe = probeOnly("https://weather.example.com/mcp", []upstream.ToolInfo{{Name: "forecast"}}, nil)
	second, err := svc.Handle(context.Background(), req, identity)
	if err != nil {
		t.Fatalf("second ping: %v", err)
	}
	if second.ToolsRemoved != 1 {
		t.Errorf("removed = %d", second.ToolsRemoved)
	}

	tool, err := repo.GetToolByName(context.Background(), first.Server.ID, "alerts")
	if err != nil {
		t.Fatalf("get tool: %v", err)
	}
	if tool.Status != registry.StatusInactive {
		t.Errorf("missing tool status = %s", tool.Status)
	}

	hooks, err := store.DequeueWebhooks(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	var updated int
	for _, hook := range hooks {
		if hook.EventType == storage.EventServerToolsUpdated {
			updated++
		}
	}
	if updated != 2 {
		t.Errorf("tools_updated webhooks = %d, want 2 (initial discovery + removal)", updated)
	}
}

func TestHandle_NoReachableURL(t *testing.T) {
	svc := NewService(registry.NewMemoryRepository(), nil, nil,
		WithProbe(func(ctx context.Context, origin string, headers map[string]string) ([]upstream.ToolInfo, error) {
			return nil, errors.New("connection refused")
		}))

	_, err := svc.Handle(context.Background(), pingRequest(), nil)
	if !errors.Is(err, ErrNoReachableURL) {
		t.Errorf("expected ErrNoReachableURL, got %v", err)
	}
}

func TestCandidates(t *testing.T) {
	tests := []struct {
		url  string
		want []string
	}{
		{"https://a.example.com", []string{"https://a.example.com", "https://a.example.com/mcp"}},
		{"https://a.example.com/", []string{"https://a.example.com", "https://a.example.com/mcp"}},
		{"https://a.example.com/mcp", []string{"https://a.example.com/mcp"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		got := candidates(tt.url)
		if len(got) != len(tt.want) {
			t.Errorf("candidates(%q) = %v, want %v", tt.url, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("candidates(%q)[%d] = %s, want %s", tt.url, i, got[i], tt.want[i])
			}
		}
	}
}
