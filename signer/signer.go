package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

// DefaultDerivationPath is the first account of the standard Ethereum path.
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidMnemonic   = errors.New("invalid mnemonic phrase")
	ErrInvalidKeystore   = errors.New("invalid keystore file")
	ErrWrongPassword     = errors.New("wrong keystore password")
	ErrAddressMismatch   = errors.New("authorization.from does not match signer")
)

// Signer produces EIP-712 signatures over payment authorizations.
type Signer interface {
	// Address is the payer address used as authorization.from.
	Address() string

	// SupportsNetwork reports whether the signer can sign for network.
	SupportsNetwork(network types.Network) bool

	// SignAuthorization signs the authorization in unsigned against the
	// EIP-712 domain described by req and returns the complete payload.
	SignAuthorization(ctx context.Context, unsigned *types.UnsignedPaymentPayload, req *types.PaymentRequirements) (*types.PaymentPayload, error)
}

type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	networks   map[types.Network]bool
}

// NewPrivateKeySigner accepts a hex key with or without 0x prefix. When
// networks is non-empty the signer is restricted to them.
func NewPrivateKeySigner(privateKeyHex string, networks ...types.Network) (*PrivateKeySigner, error) {
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	privateKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return newPrivateKeySigner(privateKey, networks), nil
}

func newPrivateKeySigner(privateKey *ecdsa.PrivateKey, networks []types.Network) *PrivateKeySigner {
	s := &PrivateKeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
	if len(networks) > 0 {
		s.networks = make(map[types.Network]bool, len(networks))
		for _, n := range networks {
			s.networks[n] = true
		}
	}
	return s
}

func (s *PrivateKeySigner) Address() string {
	return s.address.Hex()
}

func (s *PrivateKeySigner) SupportsNetwork(network types.Network) bool {
	if s.networks != nil && !s.networks[network] {
		return false
	}
	return types.Supports(network, types.CapabilitySign)
}

func (s *PrivateKeySigner) SignAuthorization(ctx context.Context, unsigned *types.UnsignedPaymentPayload, req *types.PaymentRequirements) (*types.PaymentPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := types.RequireCapability(req.Network, types.CapabilitySign); err != nil {
		return nil, err
	}
	if s.networks != nil && !s.networks[req.Network] {
		return nil, fmt.Errorf("%w: signer not enabled for %q", types.ErrUnsupportedOnNetwork, req.Network)
	}

	auth := unsigned.Payload.Authorization
	if !utils.SameAddress(auth.From, s.address.Hex()) {
		return nil, fmt.Errorf("%w: %s", ErrAddressMismatch, auth.From)
	}

	hash, err := utils.HashAuthorization(&auth, req)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[64] += 27

	return unsigned.Sign("0x" + hex.EncodeToString(sig)), nil
}

// MnemonicSigner derives its key from a BIP-39 mnemonic along a BIP-32 path.
type MnemonicSigner struct {
	*PrivateKeySigner
}

func NewMnemonicSigner(mnemonic, derivationPath string, networks ...types.Network) (*MnemonicSigner, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	if derivationPath == "" {
		derivationPath = DefaultDerivationPath
	}
	path, err := accounts.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation path: %w", err)
	}

	privateKey, err := derivePrivateKey(bip39.NewSeed(mnemonic, ""), path)
	if err != nil {
		return nil, fmt.Errorf("failed to derive private key: %w", err)
	}
	return &MnemonicSigner{PrivateKeySigner: newPrivateKeySigner(privateKey, networks)}, nil
}

func derivePrivateKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	for _, n := range path {
		key, err = key.NewChildKey(n)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
	}
	return crypto.ToECDSA(key.Key)
}

// KeystoreSigner loads its key from an encrypted JSON keystore.
type KeystoreSigner struct {
	*PrivateKeySigner
}

func NewKeystoreSigner(keystoreJSON []byte, password string, networks ...types.Network) (*KeystoreSigner, error) {
	key, err := keystore.DecryptKey(keystoreJSON, password)
	if err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
	}
	return &KeystoreSigner{PrivateKeySigner: newPrivateKeySigner(key.PrivateKey, networks)}, nil
}
