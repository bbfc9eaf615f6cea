package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/basket/runplane/internal/persist"
	"github.com/basket/runplane/internal/runpaths"
)

// runStatusCommand reads the run's control_endpoint.json and hits /health.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runDir := fs.String("run-dir", defaultRunDir(), "run directory to query")
	_ = fs.Parse(args)

	paths := runpaths.New(*runDir)
	var endpoint struct {
		BaseURL string `json:"base_url"`
	}
	found, err := persist.ReadJSON(paths.ControlEndpoint(), &endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read control_endpoint.json: %v\n", err)
		return 1
	}
	if !found || endpoint.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "no control service published for this run")
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint.BaseURL+"/health", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "unhealthy: %d %s\n", resp.StatusCode, string(body))
		return 1
	}

	var pretty map[string]any
	if json.Unmarshal(body, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		_, _ = os.Stdout.Write(body)
	}
	return 0
}
