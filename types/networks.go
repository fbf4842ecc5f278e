package types

import (
	"errors"
	"fmt"
)

// ErrUnsupportedOnNetwork is returned when an operation is invoked on a
// network whose capability table does not list it.
var ErrUnsupportedOnNetwork = errors.New("operation not supported on network")

// Capability names an operation a network may or may not support.
type Capability string

const (
	CapabilitySign    Capability = "sign"
	CapabilityVerify  Capability = "verify"
	CapabilitySettle  Capability = "settle"
	CapabilityBalance Capability = "balance"
)

// NetworkInfo holds the static facts about a network: chain id, the default
// asset and its EIP-712 domain, and the operations available on it.
type NetworkInfo struct {
	Network       Network
	ChainID       int64
	USDCAddress   string
	EIP712Name    string
	EIP712Version string
	Decimals      int32
	Capabilities  []Capability
}

func (n NetworkInfo) Supports(c Capability) bool {
	for _, have := range n.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

var networks = map[Network]NetworkInfo{
	NetworkBase: {
		Network:       NetworkBase,
		ChainID:       8453,
		USDCAddress:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
		Decimals:      6,
		Capabilities:  []Capability{CapabilitySign, CapabilityVerify, CapabilitySettle, CapabilityBalance},
	},
	NetworkBaseSepolia: {
		Network:       NetworkBaseSepolia,
		ChainID:       84532,
		USDCAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		EIP712Name:    "USDC",
		EIP712Version: "2",
		Decimals:      6,
		Capabilities:  []Capability{CapabilitySign, CapabilityVerify, CapabilitySettle, CapabilityBalance},
	},
}

// Networks returns every registered network.
func Networks() []NetworkInfo {
	out := make([]NetworkInfo, 0, len(networks))
	for _, n := range []Network{NetworkBase, NetworkBaseSepolia} {
		out = append(out, networks[n])
	}
	return out
}

func LookupNetwork(n Network) (NetworkInfo, error) {
	info, ok := networks[n]
	if !ok {
		return NetworkInfo{}, fmt.Errorf("%w: unknown network %q", ErrInvalid, n)
	}
	return info, nil
}

// Supports reports whether network n offers capability c.
func Supports(n Network, c Capability) bool {
	info, ok := networks[n]
	return ok && info.Supports(c)
}

// RequireCapability fails with ErrUnsupportedOnNetwork unless network n
// offers capability c.
func RequireCapability(n Network, c Capability) error {
	if !Supports(n, c) {
		return fmt.Errorf("%w: %s on %q", ErrUnsupportedOnNetwork, c, n)
	}
	return nil
}
