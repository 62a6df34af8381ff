package money

// EVM chain IDs for the networks the payments protocol names.
// The chain ID keys the EIP-712 signing domain for EIP-3009 authorizations.
var evmChainIDs = map[string]int64{
	"base":           8453,
	"base-sepolia":   84532,
	"polygon":        137,
	"polygon-amoy":   80002,
	"avalanche":      43114,
	"avalanche-fuji": 43113,
}

var mainnets = map[string]bool{
	"base":      true,
	"polygon":   true,
	"avalanche": true,
}

// ChainID returns the EVM chain ID for a network identifier.
func ChainID(network string) (int64, bool) {
	id, ok := evmChainIDs[network]
	return id, ok
}

// IsEVMNetwork reports whether the network identifier names a supported EVM chain.
func IsEVMNetwork(network string) bool {
	_, ok := evmChainIDs[network]
	return ok
}

// IsMainnet reports whether the network is a production chain.
func IsMainnet(network string) bool {
	return mainnets[network]
}
