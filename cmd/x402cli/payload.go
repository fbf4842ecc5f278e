package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

func payloadCommand() {
	// Define flags
	payloadFlags := flag.NewFlagSet("payload", flag.ExitOnError)
	var output, requirementsInput, value, nonce string
	var validAfter, validBefore int64
	var header bool
	var keys signerFlags
	keys.register(payloadFlags)
	payloadFlags.StringVar(&output, "output", "", "File path to write JSON output")
	payloadFlags.StringVar(&output, "o", "", "File path to write JSON output")
	payloadFlags.StringVar(&requirementsInput, "requirements", "", "PaymentRequirements as JSON or file path (required)")
	payloadFlags.StringVar(&requirementsInput, "req", "", "PaymentRequirements as JSON or file path (required)")
	payloadFlags.StringVar(&requirementsInput, "r", "", "PaymentRequirements as JSON or file path (required)")
	payloadFlags.StringVar(&value, "value", "", "Amount in smallest unit (default: maxAmountRequired)")
	payloadFlags.Int64Var(&validAfter, "valid-after", 0, "Unix timestamp for validity start (default: now - 5s)")
	payloadFlags.Int64Var(&validBefore, "valid-before", 0, "Unix timestamp for validity end (default: now + maxTimeoutSeconds)")
	payloadFlags.StringVar(&nonce, "nonce", "", "Hex-encoded bytes32 nonce (default: random)")
	payloadFlags.BoolVar(&header, "header", false, "Print the encoded X-PAYMENT header value instead of JSON")

	// Parse flags
	payloadFlags.Parse(os.Args[2:])

	if requirementsInput == "" {
		fmt.Fprintln(os.Stderr, "Error: --requirements flag is required")
		fmt.Fprintln(os.Stderr, "\nUsage:")
		fmt.Fprintln(os.Stderr, "  x402cli payload --req <requirements-json|file> [--private-key <hex>] [options]")
		payloadFlags.PrintDefaults()
		os.Exit(1)
	}
	req := readRequirements(requirementsInput)

	s := keys.load()
	if s == nil {
		fatalf("a signing key is required (--private-key, --mnemonic, --keystore or $X402_PRIVATE_KEY)")
	}

	// Resolve authorization fields, defaulting from the requirements
	now := time.Now().Unix()
	if value == "" {
		value = req.MaxAmountRequired
	}
	if validAfter == 0 {
		validAfter = now - 5
	}
	if validBefore == 0 {
		validBefore = now + int64(req.MaxTimeoutSeconds)
	}
	if nonce == "" {
		var err error
		if nonce, err = utils.NewNonce(); err != nil {
			fatalf("generating nonce: %v", err)
		}
	}

	unsigned := &types.UnsignedPaymentPayload{
		X402Version: types.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: types.UnsignedExactEVMPayload{
			Authorization: types.ExactEVMAuthorization{
				From:        s.Address(),
				To:          req.PayTo,
				Value:       value,
				ValidAfter:  strconv.FormatInt(validAfter, 10),
				ValidBefore: strconv.FormatInt(validBefore, 10),
				Nonce:       nonce,
			},
		},
	}

	payload, err := s.SignAuthorization(context.Background(), unsigned, &req)
	if err != nil {
		fatalf("signing failed: %v", err)
	}

	if !header {
		writeJSON(payload, output, "Payload")
		return
	}
	encoded, err := utils.EncodePaymentHeader(payload)
	if err != nil {
		fatalf("encoding payload: %v", err)
	}
	if output == "" {
		fmt.Println(encoded)
		return
	}
	if err := os.WriteFile(output, []byte(encoded), 0644); err != nil {
		fatalf("writing file: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Payment header written to %s\n", output)
}
