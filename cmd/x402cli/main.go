package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Parse subcommand
	subcommand := os.Args[1]

	switch subcommand {
	case "browse":
		browseCommand()
	case "check":
		checkCommand()
	case "requirements":
		requirementsCommand()
	case "payload":
		payloadCommand()
	case "pay":
		payCommand()
	case "verify":
		verifyCommand()
	case "settle":
		settleCommand()
	case "supported":
		supportedCommand()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "x402cli - CLI tool for interacting with x402-protected resources")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  x402cli <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  browse        List the resources a gateway offers")
	fmt.Fprintln(os.Stderr, "  check         Check if a resource requires payment")
	fmt.Fprintln(os.Stderr, "  requirements  Fetch or build PaymentRequirements")
	fmt.Fprintln(os.Stderr, "  payload       Build and sign a PaymentPayload")
	fmt.Fprintln(os.Stderr, "  pay           Request a resource, paying when challenged")
	fmt.Fprintln(os.Stderr, "  verify        Verify a payment with a facilitator")
	fmt.Fprintln(os.Stderr, "  settle        Settle a payment with a facilitator")
	fmt.Fprintln(os.Stderr, "  supported     List the payment kinds a facilitator supports")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Signing commands read the key from --private-key, --mnemonic, --keystore")
	fmt.Fprintln(os.Stderr, "or the X402_PRIVATE_KEY environment variable.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  x402cli browse -u http://localhost:4021")
	fmt.Fprintln(os.Stderr, "  x402cli check -r http://localhost:4021/weather")
	fmt.Fprintln(os.Stderr, "  x402cli pay -r 'http://localhost:4021/weather?city=London'")
	fmt.Fprintln(os.Stderr, "  x402cli requirements -u http://localhost:4021/weather -o req.json")
	fmt.Fprintln(os.Stderr, "  x402cli payload --req req.json -o payload.json")
	fmt.Fprintln(os.Stderr, "  x402cli verify -f http://localhost:8080 -p payload.json -r req.json")
}
