package types

// X402Version is the protocol version spoken by every component.
const X402Version = 1

// Scheme identifies a payment mechanism.
type Scheme string

const (
	SchemeExact Scheme = "exact"
)

// Network identifies the chain a payment is denominated and settled on.
type Network string

const (
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia"
)

// ErrorReason is the machine readable reason carried by verify and settle
// responses.
type ErrorReason string

const (
	ReasonInsufficientFunds ErrorReason = "insufficient_funds"
	ReasonInvalidScheme     ErrorReason = "invalid_scheme"
	ReasonInvalidNetwork    ErrorReason = "invalid_network"

	ReasonInvalidX402Version    ErrorReason = "invalid_x402_version"
	ReasonInvalidPayload        ErrorReason = "invalid_payload"
	ReasonInvalidRequirements   ErrorReason = "invalid_payment_requirements"
	ReasonInvalidSignature      ErrorReason = "invalid_exact_evm_payload_signature"
	ReasonInvalidValue          ErrorReason = "invalid_exact_evm_payload_authorization_value"
	ReasonNotYetValid           ErrorReason = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonExpired               ErrorReason = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonRecipientMismatch     ErrorReason = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonUnexpectedVerifyError ErrorReason = "unexpected_verify_error"
	ReasonUnexpectedSettleError ErrorReason = "unexpected_settle_error"
)

// Facilitator request/response types

type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type VerifyResponse struct {
	IsValid       bool        `json:"isValid"`
	InvalidReason ErrorReason `json:"invalidReason,omitempty"`
	Payer         string      `json:"payer,omitempty"`
}

type SettleRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type SettleResponse struct {
	Success     bool        `json:"success"`
	ErrorReason ErrorReason `json:"errorReason,omitempty"`
	Payer       string      `json:"payer,omitempty"`
	Transaction string      `json:"transaction"`
	Network     Network     `json:"network"`
}

type SupportedKind struct {
	X402Version int     `json:"x402Version" yaml:"x402_version"`
	Scheme      Scheme  `json:"scheme" yaml:"scheme"`
	Network     Network `json:"network" yaml:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Payment types

// PaymentRequired is the body of a 402 challenge.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// PaymentRequirements describes one acceptable way to pay for a resource.
// Values are treated as immutable once published; use Clone before changing
// a copy.
type PaymentRequirements struct {
	Scheme            Scheme         `json:"scheme"`
	Network           Network        `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	OutputSchema      map[string]any `json:"outputSchema,omitempty"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

func (r PaymentRequirements) Clone() PaymentRequirements {
	c := r
	c.OutputSchema = cloneMap(r.OutputSchema)
	c.Extra = cloneMap(r.Extra)
	return c
}

// ExtraString returns a string entry of Extra, or "" when absent.
func (r *PaymentRequirements) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[key].(string)
	return s
}

type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      Scheme          `json:"scheme"`
	Network     Network         `json:"network"`
	Payload     ExactEVMPayload `json:"payload"`
}

type ExactEVMPayload struct {
	Signature     string                `json:"signature"`
	Authorization ExactEVMAuthorization `json:"authorization"`
}

// ExactEVMAuthorization mirrors the EIP-3009 TransferWithAuthorization
// message. Numeric fields are base-10 strings, Nonce is 0x-prefixed 32 bytes.
type ExactEVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// UnsignedPaymentPayload is a PaymentPayload under construction, before the
// authorization has been signed.
type UnsignedPaymentPayload struct {
	X402Version int                     `json:"x402Version"`
	Scheme      Scheme                  `json:"scheme"`
	Network     Network                 `json:"network"`
	Payload     UnsignedExactEVMPayload `json:"payload"`
}

type UnsignedExactEVMPayload struct {
	Authorization ExactEVMAuthorization `json:"authorization"`
}

// Sign attaches signature and returns the complete payload.
func (u *UnsignedPaymentPayload) Sign(signature string) *PaymentPayload {
	return &PaymentPayload{
		X402Version: u.X402Version,
		Scheme:      u.Scheme,
		Network:     u.Network,
		Payload: ExactEVMPayload{
			Signature:     signature,
			Authorization: u.Payload.Authorization,
		},
	}
}

// Catalog types

type IndexEntry struct {
	ResourceURL         string `json:"resourceUrl"`
	ResourceDescription string `json:"resourceDescription"`
	Price               Price  `json:"price"`
}

type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
