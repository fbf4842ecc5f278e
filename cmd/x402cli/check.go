package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/vorpalengineering/x402-gateway/resource/client"
)

func checkCommand() {
	// Define flags for check command
	checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
	var resource, method, data string
	checkFlags.StringVar(&resource, "resource", "", "URL of the resource to check (required)")
	checkFlags.StringVar(&resource, "r", "", "URL of the resource to check (required)")
	checkFlags.StringVar(&method, "method", "GET", "HTTP method")
	checkFlags.StringVar(&method, "m", "GET", "HTTP method")
	checkFlags.StringVar(&data, "data", "", "Request body as JSON string or file path")
	checkFlags.StringVar(&data, "d", "", "Request body as JSON string or file path")

	// Parse flags
	checkFlags.Parse(os.Args[2:])

	// Validate required flags
	if resource == "" {
		fmt.Fprintln(os.Stderr, "Error: --resource or -r flag is required")
		fmt.Fprintln(os.Stderr, "\nUsage:")
		fmt.Fprintln(os.Stderr, "  x402cli check --resource <url>")
		fmt.Fprintln(os.Stderr, "  x402cli check -r <url>")
		checkFlags.PrintDefaults()
		os.Exit(1)
	}

	req := &client.Request{Method: strings.ToUpper(method), URL: resource}
	if data != "" {
		req.Body = readJSONOrFile(data)
	}

	// Create read-only client (no private key needed for checking)
	c := client.NewClient(nil)
	challenge, err := c.Check(context.Background(), req)
	if err != nil {
		fatalf("%v", err)
	}

	// Print results
	fmt.Printf("Resource: %s\n\n", resource)
	if challenge == nil {
		fmt.Println("Resource is accessible without payment")
		return
	}

	fmt.Println("Payment Required (402)")
	if challenge.Error != "" {
		fmt.Printf("Reason: %s\n", challenge.Error)
	}
	fmt.Println("\nAccepts:")
	for i := range challenge.Accepts {
		if i > 0 {
			fmt.Println("\n---")
		}
		printRequirement(&challenge.Accepts[i])
	}
}
