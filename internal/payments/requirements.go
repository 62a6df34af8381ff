package payments

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ToolGate/gateway/internal/money"
	"github.com/ToolGate/gateway/internal/registry"
	"github.com/ToolGate/gateway/internal/x402"
)

// DefaultMaxTimeoutSeconds is the authorization validity window advertised in
// payment requirements.
const DefaultMaxTimeoutSeconds = 60

// BuildRequirements converts a tool's active pricing into the payment options
// advertised in a 402 response. An empty result means the tool is free.
//
// Options are ordered so the first entry is the one a well-behaved client
// should pick: the preferred network first, stablecoins (USDC first) before
// other tokens, base before other mainnets, then oldest pricing entry first.
func BuildRequirements(tool registry.Tool, server registry.Server, publicBase, preferredNetwork string, maxTimeoutSeconds int) []x402.PaymentRequirements {
	active := tool.ActivePricing()
	if len(active) == 0 {
		return nil
	}
	if maxTimeoutSeconds <= 0 {
		maxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}

	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if pn := preferNetwork(a.Network, preferredNetwork) != preferNetwork(b.Network, preferredNetwork); pn {
			return preferNetwork(a.Network, preferredNetwork)
		}
		ar, br := tokenRank(a), tokenRank(b)
		if ar != br {
			return ar < br
		}
		anr, bnr := networkRank(a.Network), networkRank(b.Network)
		if anr != bnr {
			return anr < bnr
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	resource := fmt.Sprintf("%s/mcp/%s/tools/%s", strings.TrimRight(publicBase, "/"), server.ID, tool.Name)

	accepts := make([]x402.PaymentRequirements, 0, len(active))
	for _, entry := range active {
		req := x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           entry.Network,
			MaxAmountRequired: entry.MaxAmountRequiredRaw,
			Asset:             entry.AssetAddress,
			PayTo:             server.ReceiverAddress,
			Resource:          resource,
			Description:       fmt.Sprintf("Payment for tool %s on %s", tool.Name, server.Name),
			MimeType:          "application/json",
			MaxTimeoutSeconds: maxTimeoutSeconds,
		}
		if info, err := money.Lookup(entry.Network, entry.AssetAddress); err == nil && info.EIP712Name != "" {
			req.Extra = map[string]interface{}{
				"name":    info.EIP712Name,
				"version": info.EIP712Version,
			}
		}
		accepts = append(accepts, req)
	}
	return accepts
}

func preferNetwork(network, preferred string) bool {
	return preferred != "" && network == preferred
}

// tokenRank orders USDC before other stablecoins before everything else.
func tokenRank(entry registry.PricingEntry) int {
	if !money.IsStablecoin(entry.Network, entry.AssetAddress) {
		return 2
	}
	if money.Symbol(entry.Network, entry.AssetAddress) == "USDC" {
		return 0
	}
	return 1
}

// networkRank orders base before other mainnets before testnets.
func networkRank(network string) int {
	switch {
	case network == "base":
		return 0
	case money.IsMainnet(network):
		return 1
	default:
		return 2
	}
}
