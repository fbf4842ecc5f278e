package utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vorpalengineering/x402-gateway/types"
)

const ERC20BalanceOfABI = `[{
	"constant": true,
	"inputs": [{"name": "account", "type": "address"}],
	"name": "balanceOf",
	"outputs": [{"name": "", "type": "uint256"}],
	"type": "function"
}]`

const EIP3009TransferWithAuthABI = `[{
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"name": "transferWithAuthorization",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

func GetChainID(network types.Network) (*big.Int, error) {
	info, err := types.LookupNetwork(network)
	if err != nil {
		return nil, err
	}
	return big.NewInt(info.ChainID), nil
}

// EncodePaymentHeader serializes a payload for the X-PAYMENT header.
func EncodePaymentHeader(payload *types.PaymentPayload) (string, error) {
	return encodeBase64JSON(payload)
}

// DecodePaymentHeader accepts base64 encoded JSON, or raw JSON.
func DecodePaymentHeader(header string) (*types.PaymentPayload, error) {
	var payload types.PaymentPayload
	if err := decodeBase64JSON(header, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func EncodeSettleResponseHeader(resp *types.SettleResponse) (string, error) {
	return encodeBase64JSON(resp)
}

func DecodeSettleResponseHeader(header string) (*types.SettleResponse, error) {
	var resp types.SettleResponse
	if err := decodeBase64JSON(header, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EncodePaymentRequiredHeader serializes a 402 challenge for transports that
// carry it out of band, such as gRPC trailers.
func EncodePaymentRequiredHeader(challenge *types.PaymentRequired) (string, error) {
	return encodeBase64JSON(challenge)
}

func DecodePaymentRequiredHeader(header string) (*types.PaymentRequired, error) {
	var challenge types.PaymentRequired
	if err := decodeBase64JSON(header, &challenge); err != nil {
		return nil, err
	}
	return &challenge, nil
}

func encodeBase64JSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeBase64JSON(header string, v any) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("empty header")
	}

	raw := []byte(header)
	if header[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			return fmt.Errorf("invalid base64: %w", err)
		}
		raw = decoded
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// NewNonce returns a fresh random 32 byte nonce, 0x-prefixed.
func NewNonce() (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(nonce[:]), nil
}

func ExtractVRS(signatureHex string) (v uint8, r [32]byte, s [32]byte, err error) {
	signature, err := hexutil.Decode(ensure0x(signatureHex))
	if err != nil {
		return 0, [32]byte{}, [32]byte{}, fmt.Errorf("invalid signature format: %w", err)
	}

	// r (32) | s (32) | v (1)
	if len(signature) != 65 {
		return 0, [32]byte{}, [32]byte{}, fmt.Errorf("invalid signature length: expected 65, got %d", len(signature))
	}
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v = signature[64]
	if v < 27 {
		v += 27
	}

	return v, r, s, nil
}

// DomainFor returns the EIP-712 domain name and version for requirements,
// taken from Extra and falling back to the network's USDC domain.
func DomainFor(requirements *types.PaymentRequirements) (name, version string, err error) {
	name = requirements.ExtraString("name")
	version = requirements.ExtraString("version")
	if name != "" && version != "" {
		return name, version, nil
	}

	info, err := types.LookupNetwork(requirements.Network)
	if err != nil {
		return "", "", err
	}
	if !strings.EqualFold(info.USDCAddress, requirements.Asset) {
		return "", "", fmt.Errorf("missing EIP712 domain name/version in extra field for asset %s", requirements.Asset)
	}
	if name == "" {
		name = info.EIP712Name
	}
	if version == "" {
		version = info.EIP712Version
	}
	return name, version, nil
}

func BuildEIP712TypedData(auth *types.ExactEVMAuthorization, requirements *types.PaymentRequirements) (*apitypes.TypedData, error) {
	chainID, err := GetChainID(requirements.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	name, version, err := DomainFor(requirements)
	if err != nil {
		return nil, err
	}

	return &apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: requirements.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}, nil
}

// HashAuthorization returns the EIP-712 digest a payer signs.
func HashAuthorization(auth *types.ExactEVMAuthorization, requirements *types.PaymentRequirements) ([]byte, error) {
	typedData, err := BuildEIP712TypedData(auth, requirements)
	if err != nil {
		return nil, err
	}
	hash, _, err := apitypes.TypedDataAndHash(*typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return hash, nil
}

// RecoverSigner returns the address that produced signatureHex over the
// authorization.
func RecoverSigner(auth *types.ExactEVMAuthorization, requirements *types.PaymentRequirements, signatureHex string) (common.Address, error) {
	hash, err := HashAuthorization(auth, requirements)
	if err != nil {
		return common.Address{}, err
	}

	sig, err := hexutil.Decode(ensure0x(signatureHex))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature format: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: expected 65, got %d", len(sig))
	}

	// SigToPub expects v in {0, 1}
	sig = append([]byte(nil), sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SameAddress compares two hex addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) &&
		common.HexToAddress(a) == common.HexToAddress(b)
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
