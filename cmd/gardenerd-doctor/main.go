// Command gardenerd-doctor runs gardenerd's diagnostic checks against the
// local installation and prints a pass/fail report, for use before first
// start or when triaging a stuck deployment.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gardenerd/gardenerd/internal/config"
	"github.com/gardenerd/gardenerd/internal/doctor"
)

var Version = "dev"

func main() {
	jsonOutput := false
	for _, arg := range os.Args[1:] {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: config load failed, diagnosing anyway: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding json: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("gardenerd doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("system: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "PASS"
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
			failCount++
		case "WARN":
			icon = "WARN"
		case "SKIP":
			icon = "SKIP"
		}
		fmt.Printf("[%s] %-18s %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("         %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		os.Exit(1)
	}
}
