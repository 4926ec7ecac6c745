package types

import "fmt"

// Network represents supported Solana clusters
type Network string

const (
	NetworkSolanaMainnet  Network = "mainnet"
	NetworkSolanaDevnet   Network = "devnet"
	NetworkSolanaTestnet  Network = "testnet"
	NetworkSolanaLocalnet Network = "localnet"
)

// USDC mint addresses per cluster.
const (
	USDCMintMainnet = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCMintDevnet  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// ParseNetwork maps the SOLANA_NETWORK values used in deployments. Anything
// unrecognised is treated as mainnet.
func ParseNetwork(s string) Network {
	switch Network(s) {
	case NetworkSolanaDevnet, NetworkSolanaTestnet, NetworkSolanaLocalnet:
		return Network(s)
	case "mainnet-beta", "solana-mainnet":
		return NetworkSolanaMainnet
	case "solana-devnet":
		return NetworkSolanaDevnet
	default:
		return NetworkSolanaMainnet
	}
}

func (n Network) IsTestnet() bool {
	return n != NetworkSolanaMainnet
}

func (n Network) String() string {
	return string(n)
}

// DefaultRPCURL returns the public RPC endpoint for the cluster.
func (n Network) DefaultRPCURL() string {
	switch n {
	case NetworkSolanaDevnet:
		return "https://api.devnet.solana.com"
	case NetworkSolanaTestnet:
		return "https://api.testnet.solana.com"
	case NetworkSolanaLocalnet:
		return "http://127.0.0.1:8899"
	default:
		return "https://api.mainnet-beta.solana.com"
	}
}

// ExplorerTxURL links a transaction signature on solscan.
func (n Network) ExplorerTxURL(signature string) string {
	if n == NetworkSolanaMainnet {
		return fmt.Sprintf("https://solscan.io/tx/%s", signature)
	}
	return fmt.Sprintf("https://solscan.io/tx/%s?cluster=%s", signature, n)
}

// ExplorerAccountURL links an account on solscan.
func (n Network) ExplorerAccountURL(address string) string {
	if n == NetworkSolanaMainnet {
		return fmt.Sprintf("https://solscan.io/account/%s", address)
	}
	return fmt.Sprintf("https://solscan.io/account/%s?cluster=%s", address, n)
}

// DefaultAssets returns the SOL and USDC registry for the cluster.
func DefaultAssets(n Network) []TokenInfo {
	mint := USDCMintMainnet
	if n.IsTestnet() {
		mint = USDCMintDevnet
	}
	return []TokenInfo{
		{Standard: TokenStandardNative, Symbol: CurrencySOL, Decimals: 9},
		{Standard: TokenStandardSPL, Symbol: CurrencyUSDC, Decimals: 6, Mint: mint},
	}
}
