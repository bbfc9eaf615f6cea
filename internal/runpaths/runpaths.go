// Package runpaths names the well-known files inside a run directory.
package runpaths

import "path/filepath"

// Paths resolves control-plane file locations under one run directory,
// conventionally .runs/<task>/cli/<run>/.
type Paths struct {
	RunDir string
}

func New(runDir string) Paths {
	return Paths{RunDir: runDir}
}

func (p Paths) Manifest() string         { return filepath.Join(p.RunDir, "manifest.json") }
func (p Paths) Control() string          { return filepath.Join(p.RunDir, "control.json") }
func (p Paths) Confirmations() string    { return filepath.Join(p.RunDir, "confirmations.json") }
func (p Paths) Questions() string        { return filepath.Join(p.RunDir, "questions.json") }
func (p Paths) DelegationTokens() string { return filepath.Join(p.RunDir, "delegation_tokens.json") }
func (p Paths) ControlAuth() string      { return filepath.Join(p.RunDir, "control_auth.json") }
func (p Paths) ControlEndpoint() string  { return filepath.Join(p.RunDir, "control_endpoint.json") }
func (p Paths) Events() string           { return filepath.Join(p.RunDir, "events.jsonl") }

// Security logs live under logs/ next to the service log.
func (p Paths) Security() string   { return filepath.Join(p.RunDir, "logs", "security.jsonl") }
func (p Paths) SecurityDB() string { return filepath.Join(p.RunDir, "logs", "security.db") }
