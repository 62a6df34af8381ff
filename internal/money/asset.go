package money

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownToken is returned when a (network, address) pair is not registered.
// Callers must tolerate this: unknown tokens are still payable, they just lose
// stablecoin-aware ordering and symbol display.
var ErrUnknownToken = errors.New("money: unknown token")

// TokenInfo describes a payment token on a specific network.
type TokenInfo struct {
	Symbol       string
	Decimals     uint8
	IsStablecoin bool
	LogoURI      string

	// EIP-712 domain parameters of the token contract, used to build the
	// "extra" section of payment requirements on EVM networks.
	EIP712Name    string
	EIP712Version string
}

// Global token registry with concurrent access protection.
// Keyed by network + lowercase asset address.
var (
	tokenRegistry = map[string]TokenInfo{
		// Circle USDC deployments. Addresses and EIP-712 domain parameters
		// verified against the on-chain contracts.
		tokenKey("base", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"): {
			Symbol: "USDC", Decimals: 6, IsStablecoin: true,
			EIP712Name: "USD Coin", EIP712Version: "2",
		},
		tokenKey("base-sepolia", "0x036CbD53842c5426634e7929541eC2318f3dCF7e"): {
			Symbol: "USDC", Decimals: 6, IsStablecoin: true,
			EIP712Name: "USDC", EIP712Version: "2",
		},
		tokenKey("polygon", "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"): {
			Symbol: "USDC", Decimals: 6, IsStablecoin: true,
			EIP712Name: "USD Coin", EIP712Version: "2",
		},
		tokenKey("polygon-amoy", "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"): {
			Symbol: "USDC", Decimals: 6, IsStablecoin: true,
			EIP712Name: "USDC", EIP712Version: "2",
		},
		tokenKey("avalanche", "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"): {
			Symbol: "USDC", Decimals: 6, IsStablecoin: true,
			EIP712Name: "USD Coin", EIP712Version: "2",
		},
		tokenKey("avalanche-fuji", "0x5425890298aed601595a70AB815c96711a31Bc65"): {
			Symbol: "USDC", Decimals: 6, IsStablecoin: true,
			EIP712Name: "USD Coin", EIP712Version: "2",
		},

		// Tether on base
		tokenKey("base", "0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2"): {
			Symbol: "USDT", Decimals: 6, IsStablecoin: true,
			EIP712Name: "Tether USD", EIP712Version: "1",
		},
	}
	tokenRegistryMu sync.RWMutex
)

func tokenKey(network, address string) string {
	return network + "/" + strings.ToLower(address)
}

// Lookup retrieves token info for an asset address on a network.
func Lookup(network, address string) (TokenInfo, error) {
	tokenRegistryMu.RLock()
	info, ok := tokenRegistry[tokenKey(network, address)]
	tokenRegistryMu.RUnlock()

	if !ok {
		return TokenInfo{}, fmt.Errorf("%w: %s on %s", ErrUnknownToken, address, network)
	}
	return info, nil
}

// MustGet retrieves token info and panics if not found (for tests/constants).
func MustGet(network, address string) TokenInfo {
	info, err := Lookup(network, address)
	if err != nil {
		panic(err)
	}
	return info
}

// Register adds a token to the registry (for testing or dynamic tokens).
func Register(network, address string, info TokenInfo) error {
	if network == "" || address == "" {
		return fmt.Errorf("money: network and address required")
	}
	if info.Symbol == "" {
		return fmt.Errorf("money: token symbol required")
	}
	if info.Decimals > 18 {
		return fmt.Errorf("money: decimals must be <= 18")
	}

	tokenRegistryMu.Lock()
	tokenRegistry[tokenKey(network, address)] = info
	tokenRegistryMu.Unlock()

	return nil
}

// IsStablecoin reports whether the asset on the network is a registered stablecoin.
// Unknown tokens report false.
func IsStablecoin(network, address string) bool {
	info, err := Lookup(network, address)
	return err == nil && info.IsStablecoin
}

// Symbol returns the token symbol, or the address itself when unknown.
func Symbol(network, address string) string {
	info, err := Lookup(network, address)
	if err != nil {
		return address
	}
	return info.Symbol
}
