package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

// Transferer executes the value transfer behind a verified authorization and
// returns a transaction identifier.
type Transferer interface {
	Transfer(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (string, error)
}

// LedgerTransferer accepts every verified authorization and issues a local
// transaction id. The settlement ledger is the only record of the payment.
type LedgerTransferer struct{}

func (LedgerTransferer) Transfer(ctx context.Context, _ *types.PaymentPayload, _ *types.PaymentRequirements) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// evmTransferer submits transferWithAuthorization to the asset contract,
// paying gas from the facilitator's key.
type evmTransferer struct {
	f *Facilitator
}

func (t *evmTransferer) Transfer(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (string, error) {
	client, err := t.f.getRPCClient(requirements.Network)
	if err != nil {
		return "", fmt.Errorf("failed to connect to network: %w", err)
	}

	callData, err := packTransferWithAuthorization(&payload.Payload.Authorization, payload.Payload.Signature)
	if err != nil {
		return "", err
	}

	cfg := t.f.config
	nonce, err := client.PendingNonceAt(ctx, cfg.Signer.Address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}
	maxGasPrice, ok := new(big.Int).SetString(cfg.Transaction.MaxGasPrice, 10)
	if !ok {
		return "", fmt.Errorf("failed to parse max gas price: %s", cfg.Transaction.MaxGasPrice)
	}
	if gasPrice.Cmp(maxGasPrice) > 0 {
		return "", fmt.Errorf("gas price too high: suggested %s wei exceeds max %s wei", gasPrice, maxGasPrice)
	}

	tokenAddress := common.HexToAddress(requirements.Asset)
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: cfg.Signer.Address,
		To:   &tokenAddress,
		Data: callData,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, tokenAddress, big.NewInt(0), gasLimit, gasPrice, callData)

	chainID, err := utils.GetChainID(requirements.Network)
	if err != nil {
		return "", err
	}
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(chainID), cfg.Signer.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

func packTransferWithAuthorization(auth *types.ExactEVMAuthorization, signature string) ([]byte, error) {
	parsedABI, err := abi.JSON(strings.NewReader(utils.EIP3009TransferWithAuthABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	v, r, s, err := utils.ExtractVRS(signature)
	if err != nil {
		return nil, err
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}

	nonceBytes := common.FromHex(auth.Nonce)
	if len(nonceBytes) != 32 {
		return nil, fmt.Errorf("invalid nonce length: expected 32 bytes, got %d", len(nonceBytes))
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	callData, err := parsedABI.Pack(
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		r,
		s,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode call: %w", err)
	}
	return callData, nil
}
