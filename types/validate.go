package types

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
)

// ErrInvalid is wrapped by every validation failure in this package.
var ErrInvalid = errors.New("invalid")

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	noncePattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	sigPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
)

func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeExact:
		return SchemeExact, nil
	}
	return "", fmt.Errorf("%w: unknown scheme %q", ErrInvalid, s)
}

func ParseNetwork(s string) (Network, error) {
	n := Network(s)
	if _, ok := networks[n]; !ok {
		return "", fmt.Errorf("%w: unknown network %q", ErrInvalid, s)
	}
	return n, nil
}

// IsAddress reports whether s is a 0x-prefixed 20 byte hex address.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// ParseAmount parses a non-negative base-10 integer amount.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount %q is not a non-negative integer", ErrInvalid, s)
	}
	return v, nil
}

// ParseUnixTime parses a unix-seconds string.
func ParseUnixTime(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: time %q is not unix seconds", ErrInvalid, s)
	}
	return v, nil
}

func (r *PaymentRequirements) Validate() error {
	if _, err := ParseScheme(string(r.Scheme)); err != nil {
		return err
	}
	if _, err := ParseNetwork(string(r.Network)); err != nil {
		return err
	}
	if _, err := ParseAmount(r.MaxAmountRequired); err != nil {
		return fmt.Errorf("maxAmountRequired: %w", err)
	}
	if r.Resource == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalid)
	}
	if !IsAddress(r.PayTo) {
		return fmt.Errorf("%w: payTo %q is not an address", ErrInvalid, r.PayTo)
	}
	if !IsAddress(r.Asset) {
		return fmt.Errorf("%w: asset %q is not an address", ErrInvalid, r.Asset)
	}
	if r.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: maxTimeoutSeconds must be positive", ErrInvalid)
	}
	return nil
}

// Validate checks the structure of a payment payload. It does not check the
// signature or any time window.
func (p *PaymentPayload) Validate() error {
	if p.X402Version != X402Version {
		return fmt.Errorf("%w: unsupported x402Version %d", ErrInvalid, p.X402Version)
	}
	if _, err := ParseScheme(string(p.Scheme)); err != nil {
		return err
	}
	if _, err := ParseNetwork(string(p.Network)); err != nil {
		return err
	}
	if !sigPattern.MatchString(p.Payload.Signature) {
		return fmt.Errorf("%w: signature must be 65 hex encoded bytes", ErrInvalid)
	}
	return p.Payload.Authorization.Validate()
}

func (a *ExactEVMAuthorization) Validate() error {
	if !IsAddress(a.From) {
		return fmt.Errorf("%w: authorization.from %q is not an address", ErrInvalid, a.From)
	}
	if !IsAddress(a.To) {
		return fmt.Errorf("%w: authorization.to %q is not an address", ErrInvalid, a.To)
	}
	if _, err := ParseAmount(a.Value); err != nil {
		return fmt.Errorf("authorization.value: %w", err)
	}
	after, err := ParseUnixTime(a.ValidAfter)
	if err != nil {
		return fmt.Errorf("authorization.validAfter: %w", err)
	}
	before, err := ParseUnixTime(a.ValidBefore)
	if err != nil {
		return fmt.Errorf("authorization.validBefore: %w", err)
	}
	if before <= after {
		return fmt.Errorf("%w: authorization.validBefore must be after validAfter", ErrInvalid)
	}
	if !noncePattern.MatchString(a.Nonce) {
		return fmt.Errorf("%w: authorization.nonce must be 32 hex encoded bytes", ErrInvalid)
	}
	return nil
}

// Validate checks a 402 challenge body.
func (p *PaymentRequired) Validate() error {
	if p.X402Version != X402Version {
		return fmt.Errorf("%w: unsupported x402Version %d", ErrInvalid, p.X402Version)
	}
	if p.Accepts == nil {
		return fmt.Errorf("%w: accepts is missing", ErrInvalid)
	}
	return nil
}
