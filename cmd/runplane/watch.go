package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/runplane/internal/controlwatch"
	"github.com/basket/runplane/internal/runpaths"
)

// runWatchCommand tails control.json and prints each transition. This is
// the same watcher a runner embeds to honor pause/resume/cancel.
func runWatchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	runDir := fs.String("run-dir", defaultRunDir(), "run directory to watch")
	_ = fs.Parse(args)

	paths := runpaths.New(*runDir)
	watcher := controlwatch.NewWatcher(controlwatch.Options{
		ControlPath: paths.Control(),
		OnTransition: func(t controlwatch.Transition) {
			line := fmt.Sprintf("seq=%d action=%s", t.ControlSeq, t.Action)
			if t.RequestedBy != "" {
				line += " by=" + t.RequestedBy
			}
			if t.Reason != "" {
				line += " reason=" + t.Reason
			}
			fmt.Println(line)
		},
	})
	if err := watcher.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	defer watcher.Stop()

	<-ctx.Done()
	return 0
}
