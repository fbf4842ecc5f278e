package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/vorpalengineering/x402-gateway/resource/client"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

func requirementsCommand() {
	// Define flags
	reqFlags := flag.NewFlagSet("requirements", flag.ExitOnError)
	var output, url, method, data, scheme, network, amount, price, asset, payTo, resource, extraName, extraVersion string
	var maxTimeout, index int
	reqFlags.StringVar(&output, "output", "", "File path to write JSON output")
	reqFlags.StringVar(&output, "o", "", "File path to write JSON output")
	reqFlags.StringVar(&url, "url", "", "URL of resource to fetch requirements from")
	reqFlags.StringVar(&url, "u", "", "URL of resource to fetch requirements from")
	reqFlags.StringVar(&method, "method", "GET", "HTTP method to use when fetching requirements")
	reqFlags.StringVar(&method, "m", "GET", "HTTP method to use when fetching requirements")
	reqFlags.StringVar(&data, "data", "", "Request body data")
	reqFlags.StringVar(&data, "d", "", "Request body data")
	reqFlags.IntVar(&index, "index", 0, "Index into accepts array (default: 0)")
	reqFlags.IntVar(&index, "i", 0, "Index into accepts array (default: 0)")
	reqFlags.StringVar(&scheme, "scheme", "", "Payment scheme (e.g. exact)")
	reqFlags.StringVar(&network, "network", "", "Network (base or base-sepolia)")
	reqFlags.StringVar(&amount, "amount", "", "Max amount required in smallest unit")
	reqFlags.StringVar(&price, "price", "", "Max amount as a display price (e.g. $0.01), alternative to --amount")
	reqFlags.StringVar(&asset, "asset", "", "Token contract address")
	reqFlags.StringVar(&payTo, "pay-to", "", "Recipient address")
	reqFlags.StringVar(&resource, "resource", "", "Resource URL")
	reqFlags.IntVar(&maxTimeout, "max-timeout", 0, "Max timeout in seconds")
	reqFlags.StringVar(&extraName, "extra-name", "", "EIP-712 domain name (e.g. USD Coin)")
	reqFlags.StringVar(&extraVersion, "extra-version", "", "EIP-712 domain version (e.g. 2)")

	// Parse flags
	reqFlags.Parse(os.Args[2:])

	// Build requirements
	var req types.PaymentRequirements

	if url != "" {
		// Fetch requirements from resource server
		fetch := &client.Request{Method: strings.ToUpper(method), URL: url}
		if data != "" {
			fetch.Body = []byte(data)
		}
		challenge, err := client.NewClient(nil).Check(context.Background(), fetch)
		if err != nil {
			fatalf("%v", err)
		}
		if challenge == nil {
			fatalf("resource is not payment-protected")
		}
		if index < 0 || index >= len(challenge.Accepts) {
			fatalf("index %d out of bounds (accepts array has %d entries)", index, len(challenge.Accepts))
		}
		req = challenge.Accepts[index].Clone()
	} else {
		// Building from scratch: default to exact USDC on base-sepolia
		req.Scheme = types.SchemeExact
		req.Network = types.NetworkBaseSepolia
		req.MaxTimeoutSeconds = 60
	}

	// Apply individual flag overrides
	if scheme != "" {
		req.Scheme = types.Scheme(scheme)
	}
	if network != "" {
		req.Network = types.Network(network)
	}
	info, err := types.LookupNetwork(req.Network)
	if err != nil {
		fatalf("%v", err)
	}
	if url == "" && asset == "" {
		req.Asset = info.USDCAddress
		req.Extra = map[string]any{"name": info.EIP712Name, "version": info.EIP712Version}
	}
	if price != "" {
		atomic, err := utils.PriceToAtomic(price, info.Decimals)
		if err != nil {
			fatalf("%v", err)
		}
		req.MaxAmountRequired = atomic
	}
	if amount != "" {
		req.MaxAmountRequired = amount
	}
	if asset != "" {
		req.Asset = asset
	}
	if payTo != "" {
		req.PayTo = payTo
	}
	if resource != "" {
		req.Resource = resource
	}
	if maxTimeout != 0 {
		req.MaxTimeoutSeconds = maxTimeout
	}
	if extraName != "" || extraVersion != "" {
		if req.Extra == nil {
			req.Extra = map[string]any{}
		}
		if extraName != "" {
			req.Extra["name"] = extraName
		}
		if extraVersion != "" {
			req.Extra["version"] = extraVersion
		}
	}

	if err := req.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: requirements are incomplete: %v\n", err)
	}

	writeJSON(req, output, "Requirements")
}
