package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vorpalengineering/x402-gateway/resource/client"
)

func browseCommand() {
	browseFlags := flag.NewFlagSet("browse", flag.ExitOnError)
	var baseURL, output string
	browseFlags.StringVar(&baseURL, "url", "", "Base URL of the server (required)")
	browseFlags.StringVar(&baseURL, "u", "", "Base URL of the server (required)")
	browseFlags.StringVar(&output, "output", "", "File path to write JSON output")
	browseFlags.StringVar(&output, "o", "", "File path to write JSON output")

	browseFlags.Parse(os.Args[2:])

	if baseURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --url or -u flag is required")
		fmt.Fprintln(os.Stderr, "\nUsage:")
		fmt.Fprintln(os.Stderr, "  x402cli browse --url <base-url>")
		fmt.Fprintln(os.Stderr, "  x402cli browse -u <base-url>")
		browseFlags.PrintDefaults()
		os.Exit(1)
	}

	// Catalog reads never pay, so no signer is needed
	rc := client.NewClient(nil)
	entries, err := rc.Browse(context.Background(), baseURL)
	if err != nil {
		fatalf("%v", err)
	}

	writeJSON(entries, output, "Catalog")
}
