package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	facilitatorclient "github.com/vorpalengineering/x402-gateway/facilitator/client"
)

func verifyCommand() {
	// Define flags for verify command
	verifyFlags := flag.NewFlagSet("verify", flag.ExitOnError)
	var facilitatorURL, apiKey, payloadInput, requirementInput string
	verifyFlags.StringVar(&facilitatorURL, "facilitator", "", "URL of the facilitator service (required)")
	verifyFlags.StringVar(&facilitatorURL, "f", "", "URL of the facilitator service (required)")
	verifyFlags.StringVar(&apiKey, "api-key", os.Getenv("X402_FACILITATOR_API_KEY"), "Facilitator API key")
	verifyFlags.StringVar(&payloadInput, "payload", "", "PaymentPayload as JSON, file path or X-PAYMENT header value (required)")
	verifyFlags.StringVar(&payloadInput, "p", "", "PaymentPayload as JSON, file path or X-PAYMENT header value (required)")
	verifyFlags.StringVar(&requirementInput, "requirement", "", "PaymentRequirements as JSON string or file path (required)")
	verifyFlags.StringVar(&requirementInput, "r", "", "PaymentRequirements as JSON string or file path (required)")

	// Parse flags
	verifyFlags.Parse(os.Args[2:])

	// Validate required flags
	if facilitatorURL == "" || payloadInput == "" || requirementInput == "" {
		fmt.Fprintln(os.Stderr, "Error: --facilitator, --payload, and --requirement flags are all required")
		fmt.Fprintln(os.Stderr, "\nUsage:")
		fmt.Fprintln(os.Stderr, "  x402cli verify -f <url> -p <json|file|header> -r <json|file>")
		verifyFlags.PrintDefaults()
		os.Exit(1)
	}

	payload := readPayload(payloadInput)
	requirements := readRequirements(requirementInput)

	// Call facilitator /verify
	fc := facilitatorclient.NewFacilitatorClient(facilitatorURL, facilitatorclient.WithAPIKey(apiKey))
	resp, err := fc.Verify(context.Background(), payload, &requirements)
	if err != nil {
		fatalf("%v", err)
	}

	writeJSON(resp, "", "Verify response")
	if !resp.IsValid {
		os.Exit(1)
	}
}
