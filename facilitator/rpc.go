package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

// BalanceReader reports a token balance.
type BalanceReader interface {
	BalanceOf(ctx context.Context, network types.Network, asset, owner string) (*big.Int, error)
}

// DialRPCClients connects to every configured network up front.
func (f *Facilitator) DialRPCClients() error {
	for network := range f.config.Networks {
		if _, err := f.getRPCClient(network); err != nil {
			return err
		}
	}
	return nil
}

func (f *Facilitator) getRPCClient(network types.Network) (*ethclient.Client, error) {
	f.rpcClientsMu.RLock()
	client, ok := f.rpcClients[network]
	f.rpcClientsMu.RUnlock()
	if ok {
		return client, nil
	}

	networkConfig, err := f.config.GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}

	f.rpcClientsMu.Lock()
	defer f.rpcClientsMu.Unlock()
	if client, ok := f.rpcClients[network]; ok {
		return client, nil
	}

	client, err = ethclient.Dial(networkConfig.RpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", network, err)
	}
	f.rpcClients[network] = client
	return client, nil
}

func (f *Facilitator) closeRPCClients() {
	f.rpcClientsMu.Lock()
	defer f.rpcClientsMu.Unlock()
	for network, client := range f.rpcClients {
		client.Close()
		delete(f.rpcClients, network)
	}
}

// rpcBalanceReader calls ERC-20 balanceOf through the network's RPC client.
type rpcBalanceReader struct {
	f *Facilitator
}

func (r *rpcBalanceReader) BalanceOf(ctx context.Context, network types.Network, asset, owner string) (*big.Int, error) {
	client, err := r.f.getRPCClient(network)
	if err != nil {
		return nil, err
	}

	parsedABI, err := abi.JSON(strings.NewReader(utils.ERC20BalanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	callData, err := parsedABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to encode balanceOf call: %w", err)
	}

	tokenAddress := common.HexToAddress(asset)
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddress, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	var balance *big.Int
	if err := parsedABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, fmt.Errorf("failed to decode balance: %w", err)
	}
	return balance, nil
}
