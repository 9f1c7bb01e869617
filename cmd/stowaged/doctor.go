package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/stowage/internal/config"
	"github.com/basket/stowage/internal/doctor"
)

func runDoctorCommand(ctx context.Context, home, workerBin string, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	var cfgPtr *config.Config
	cfg, err := config.LoadFrom(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		if workerBin != "" {
			cfg.Worker.Command = workerBin
		}
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("Stowage Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Println("---")
		for _, res := range diag.Results {
			fmt.Printf("[%s] %-12s: %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Printf("       %s\n", res.Detail)
			}
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
