package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vorpalengineering/x402-gateway/resource/client"
	"github.com/vorpalengineering/x402-gateway/resource/middleware"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

func payCommand() {
	// Define flags
	payFlags := flag.NewFlagSet("pay", flag.ExitOnError)
	var resource, method, output, data, maxAmount, maxPrice string
	var timeout time.Duration
	var keys signerFlags
	keys.register(payFlags)
	payFlags.StringVar(&resource, "resource", "", "URL of the resource to pay for (required)")
	payFlags.StringVar(&resource, "r", "", "URL of the resource to pay for (required)")
	payFlags.StringVar(&method, "method", "GET", "HTTP method (GET or POST)")
	payFlags.StringVar(&method, "m", "GET", "HTTP method (GET or POST)")
	payFlags.StringVar(&output, "output", "", "File path to write response body")
	payFlags.StringVar(&output, "o", "", "File path to write response body")
	payFlags.StringVar(&data, "data", "", "Request body as JSON string or file path")
	payFlags.StringVar(&data, "d", "", "Request body as JSON string or file path")
	payFlags.StringVar(&maxAmount, "max-amount", "", "Refuse to pay more than this many atomic units")
	payFlags.StringVar(&maxPrice, "max-price", "", "Refuse to pay more than this USDC price (e.g. $0.05)")
	payFlags.DurationVar(&timeout, "timeout", client.DefaultTimeout, "Timeout for the whole exchange")

	// Parse flags
	payFlags.Parse(os.Args[2:])

	// Validate method
	method = strings.ToUpper(method)
	if method != http.MethodGet && method != http.MethodPost {
		fatalf("--method must be GET or POST, got %s", method)
	}

	// Validate required flags
	if resource == "" {
		fmt.Fprintln(os.Stderr, "Error: --resource flag is required")
		fmt.Fprintln(os.Stderr, "\nUsage:")
		fmt.Fprintln(os.Stderr, "  x402cli pay -r <url> [--private-key <hex>] [-m POST -d <json|file>]")
		payFlags.PrintDefaults()
		os.Exit(1)
	}

	s := keys.load()
	if s == nil {
		fatalf("a signing key is required (--private-key, --mnemonic, --keystore or $X402_PRIVATE_KEY)")
	}

	opts := []client.Option{
		client.WithTimeout(timeout),
		client.WithLogger(utils.NewLogger("warn")),
	}
	if budget := parseBudget(maxAmount, maxPrice); budget != nil {
		opts = append(opts, client.WithMaxAmount(budget))
	}
	c := client.NewClient(s, opts...)

	req := &client.Request{Method: method, URL: resource, Header: http.Header{}}
	if data != "" {
		req.Body = readJSONOrFile(data)
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(context.Background(), req)
	if err != nil {
		fatalf("%v", err)
	}
	defer resp.Body.Close()

	// Read response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("reading response: %v", err)
	}

	// Handle response based on status
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if header := resp.Header.Get(middleware.PaymentResponseHeader); header != "" {
			if settleResp, err := utils.DecodeSettleResponseHeader(header); err == nil {
				prettySettle, _ := json.MarshalIndent(settleResp, "", "  ")
				fmt.Fprintf(os.Stderr, "Settlement: %s\n", string(prettySettle))
			}
		}
		if reason := resp.Header.Get(middleware.SettlementErrorHeader); reason != "" {
			fmt.Fprintf(os.Stderr, "Served but not settled: %s\n", reason)
		}

		// Output response body
		if output != "" {
			if err := os.WriteFile(output, body, 0644); err != nil {
				fatalf("writing file: %v", err)
			}
			fmt.Fprintf(os.Stderr, "Response written to %s\n", output)
		} else {
			fmt.Print(string(body))
		}

	case resp.StatusCode == http.StatusPaymentRequired:
		// Payment was rejected, print the second challenge
		fmt.Fprintf(os.Stderr, "Payment rejected (402)\n")
		var challenge types.PaymentRequired
		if json.Unmarshal(body, &challenge) == nil {
			indented, _ := json.MarshalIndent(challenge, "", "  ")
			fmt.Println(string(indented))
		} else {
			fmt.Print(string(body))
		}
		os.Exit(1)

	default:
		fmt.Fprintf(os.Stderr, "Unexpected status: %s\n", resp.Status)
		fmt.Print(string(body))
		os.Exit(1)
	}
}

// parseBudget turns --max-amount or --max-price into atomic units.
func parseBudget(maxAmount, maxPrice string) *big.Int {
	if maxAmount != "" {
		budget, err := types.ParseAmount(maxAmount)
		if err != nil {
			fatalf("invalid --max-amount: %v", err)
		}
		return budget
	}
	if maxPrice == "" {
		return nil
	}
	info, err := types.LookupNetwork(types.NetworkBaseSepolia)
	if err != nil {
		fatalf("%v", err)
	}
	atomic, err := utils.PriceToAtomic(maxPrice, info.Decimals)
	if err != nil {
		fatalf("invalid --max-price: %v", err)
	}
	budget, _ := new(big.Int).SetString(atomic, 10)
	return budget
}
