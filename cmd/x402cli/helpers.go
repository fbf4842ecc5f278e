package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/vorpalengineering/x402-gateway/signer"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

// fatalf prints an error and exits with status 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// readJSONOrFile returns JSON bytes from either an inline JSON string or a file path.
func readJSONOrFile(input string) []byte {
	if strings.HasPrefix(strings.TrimSpace(input), "{") {
		return []byte(input)
	}
	data, err := os.ReadFile(input)
	if err != nil {
		fatalf("reading file %s: %v", input, err)
	}
	return data
}

func readRequirements(input string) types.PaymentRequirements {
	var req types.PaymentRequirements
	if err := json.Unmarshal(readJSONOrFile(input), &req); err != nil {
		fatalf("parsing requirements JSON: %v", err)
	}
	return req
}

// readPayload accepts a PaymentPayload as inline JSON, a file path, or an
// encoded X-PAYMENT header value.
func readPayload(input string) *types.PaymentPayload {
	raw := input
	if !strings.HasPrefix(strings.TrimSpace(input), "{") {
		if data, err := os.ReadFile(input); err == nil {
			raw = string(data)
		}
	}
	payload, err := utils.DecodePaymentHeader(strings.TrimSpace(raw))
	if err != nil {
		fatalf("parsing payload: %v", err)
	}
	return payload
}

type signerFlags struct {
	privateKey string
	mnemonic   string
	path       string
	keystore   string
	password   string
}

func (s *signerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.privateKey, "private-key", "", "Hex-encoded private key (default: $X402_PRIVATE_KEY)")
	fs.StringVar(&s.mnemonic, "mnemonic", "", "BIP-39 mnemonic phrase")
	fs.StringVar(&s.path, "derivation-path", signer.DefaultDerivationPath, "Derivation path used with --mnemonic")
	fs.StringVar(&s.keystore, "keystore", "", "Path to an encrypted keystore file")
	fs.StringVar(&s.password, "password", "", "Keystore password (default: $X402_KEYSTORE_PASSWORD)")
}

// load returns the configured signer, or nil when no key material was given.
func (s *signerFlags) load() signer.Signer {
	switch {
	case s.mnemonic != "":
		sg, err := signer.NewMnemonicSigner(s.mnemonic, s.path)
		if err != nil {
			fatalf("loading mnemonic: %v", err)
		}
		return sg
	case s.keystore != "":
		data, err := os.ReadFile(s.keystore)
		if err != nil {
			fatalf("reading keystore: %v", err)
		}
		password := s.password
		if password == "" {
			password = os.Getenv("X402_KEYSTORE_PASSWORD")
		}
		sg, err := signer.NewKeystoreSigner(data, password)
		if err != nil {
			fatalf("loading keystore: %v", err)
		}
		return sg
	}

	key := s.privateKey
	if key == "" {
		key = os.Getenv("X402_PRIVATE_KEY")
	}
	if key == "" {
		return nil
	}
	sg, err := signer.NewPrivateKeySigner(key)
	if err != nil {
		fatalf("parsing private key: %v", err)
	}
	return sg
}

// writeJSON pretty-prints v to output, or stdout when output is empty.
func writeJSON(v any, output, what string) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("formatting %s: %v", what, err)
	}
	if output == "" {
		fmt.Println(string(jsonBytes))
		return
	}
	if err := os.WriteFile(output, jsonBytes, 0644); err != nil {
		fatalf("writing file: %v", err)
	}
	fmt.Fprintf(os.Stderr, "%s written to %s\n", what, output)
}

func printRequirement(req *types.PaymentRequirements) {
	// Pretty-print the payment requirement as JSON
	jsonBytes, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error formatting requirement: %v\n", err)
		return
	}
	fmt.Println(string(jsonBytes))
}
