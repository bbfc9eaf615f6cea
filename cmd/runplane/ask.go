package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/runplane/internal/config"
	"github.com/basket/runplane/internal/forward"
	"github.com/basket/runplane/internal/runpaths"
)

// runAskCommand puts a question to the parent run's control service on
// behalf of this (child) run. The delegation token comes from
// RUNPLANE_DELEGATION_TOKEN; enqueue is retried with backoff while the
// parent may not yet have registered it.
func runAskCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	runDir := fs.String("run-dir", defaultRunDir(), "this run's directory")
	parentManifest := fs.String("parent-manifest", "", "path to the parent run's manifest.json")
	parentRunID := fs.String("parent-run-id", os.Getenv("RUNPLANE_PARENT_RUN_ID"), "parent run id the delegation token was registered for")
	prompt := fs.String("prompt", "", "question for the parent")
	urgency := fs.String("urgency", "med", "low, med, or high")
	expiryFallback := fs.String("expiry-fallback", "", "pause, resume, or fail applied if the question expires")
	retryFor := fs.Duration("retry-for", 30*time.Second, "how long to retry a delegation_token_invalid response")
	_ = fs.Parse(args)

	if *parentManifest == "" || *prompt == "" {
		fmt.Fprintln(os.Stderr, "ask requires -parent-manifest and -prompt")
		return 2
	}
	token := os.Getenv("RUNPLANE_DELEGATION_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "RUNPLANE_DELEGATION_TOKEN is not set")
		return 2
	}

	cfg, err := config.Load(*runDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	client := forward.NewClient(forward.ClientOptions{
		Timeout:      cfg.ForwardTimeout(),
		AllowedRoots: cfg.Forward.AllowedRunRoots,
		AllowedHosts: cfg.EndpointHostSet(),
	})

	payload := map[string]any{
		"parent_run_id":      *parentRunID,
		"from_run_id":        cfg.RunID,
		"from_manifest_path": runpaths.New(cfg.RunDir).Manifest(),
		"prompt":             *prompt,
		"urgency":            *urgency,
	}
	if *expiryFallback != "" {
		payload["expiry_fallback"] = *expiryFallback
	}
	headers := map[string]string{
		forward.DelegationTokenHeader: token,
		forward.DelegationRunHeader:   cfg.RunID,
	}

	record, err := client.CallWithRetry(ctx, *parentManifest, "/questions/enqueue", payload, headers, *retryFor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ask: %v\n", err)
		return 1
	}
	out, _ := json.MarshalIndent(record, "", "  ")
	fmt.Println(string(out))
	return 0
}
