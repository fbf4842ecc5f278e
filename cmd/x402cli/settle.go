package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	facilitatorclient "github.com/vorpalengineering/x402-gateway/facilitator/client"
)

func settleCommand() {
	// Define flags for settle command
	settleFlags := flag.NewFlagSet("settle", flag.ExitOnError)
	var facilitatorURL, apiKey, payloadInput, requirementInput string
	settleFlags.StringVar(&facilitatorURL, "facilitator", "", "URL of the facilitator service (required)")
	settleFlags.StringVar(&facilitatorURL, "f", "", "URL of the facilitator service (required)")
	settleFlags.StringVar(&apiKey, "api-key", os.Getenv("X402_FACILITATOR_API_KEY"), "Facilitator API key")
	settleFlags.StringVar(&payloadInput, "payload", "", "PaymentPayload as JSON, file path or X-PAYMENT header value (required)")
	settleFlags.StringVar(&payloadInput, "p", "", "PaymentPayload as JSON, file path or X-PAYMENT header value (required)")
	settleFlags.StringVar(&requirementInput, "requirement", "", "PaymentRequirements as JSON string or file path (required)")
	settleFlags.StringVar(&requirementInput, "r", "", "PaymentRequirements as JSON string or file path (required)")

	// Parse flags
	settleFlags.Parse(os.Args[2:])

	// Validate required flags
	if facilitatorURL == "" || payloadInput == "" || requirementInput == "" {
		fmt.Fprintln(os.Stderr, "Error: --facilitator, --payload, and --requirement flags are all required")
		fmt.Fprintln(os.Stderr, "\nUsage:")
		fmt.Fprintln(os.Stderr, "  x402cli settle -f <url> -p <json|file|header> -r <json|file>")
		settleFlags.PrintDefaults()
		os.Exit(1)
	}

	payload := readPayload(payloadInput)
	requirements := readRequirements(requirementInput)

	// Call facilitator /settle. Settling the same authorization again
	// returns the recorded result.
	fc := facilitatorclient.NewFacilitatorClient(facilitatorURL, facilitatorclient.WithAPIKey(apiKey))
	resp, err := fc.Settle(context.Background(), payload, &requirements)
	if err != nil {
		fatalf("%v", err)
	}

	writeJSON(resp, "", "Settle response")
	if !resp.Success {
		os.Exit(1)
	}
}
