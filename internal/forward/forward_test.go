package forward

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var loopbackHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// childRunDir lays out root/.runs/<task>/cli/<run>/manifest.json and returns
// the manifest path.
func childRunDir(t *testing.T, root, task, run string) string {
	t.Helper()
	runDir := filepath.Join(root, ".runs", task, "cli", run)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(runDir, "manifest.json")
	if err := os.WriteFile(manifest, []byte(`{"run_id":"`+run+`"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return manifest
}

func writeEndpoint(t *testing.T, manifestPath, baseURL, token string) {
	t.Helper()
	runDir := filepath.Dir(manifestPath)
	endpoint, _ := json.Marshal(map[string]string{"base_url": baseURL})
	if err := os.WriteFile(filepath.Join(runDir, "control_endpoint.json"), endpoint, 0o600); err != nil {
		t.Fatal(err)
	}
	auth, _ := json.Marshal(map[string]string{"token": token})
	if err := os.WriteFile(filepath.Join(runDir, "control_auth.json"), auth, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestResolveManifestPathLayout(t *testing.T) {
	root := t.TempDir()
	manifest := childRunDir(t, root, "task-1", "run-1")

	cases := []struct {
		name string
		path string
		err  error
	}{
		{"valid", manifest, nil},
		{"empty", "", ErrManifestInvalid},
		{"not manifest.json", filepath.Join(filepath.Dir(manifest), "events.jsonl"), ErrManifestInvalid},
		{"missing cli segment", filepath.Join(root, ".runs", "task-1", "run-1", "manifest.json"), ErrManifestInvalid},
		{"outside roots", filepath.Join(t.TempDir(), ".runs", "t", "cli", "r", "manifest.json"), ErrManifestNotPermitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ResolveManifestPath(tc.path, []string{root})
			if !errors.Is(err, tc.err) {
				t.Fatalf("got %v, want %v", err, tc.err)
			}
		})
	}
}

func TestResolveManifestPathRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	childRunDir(t, root, "task-1", "run-1")

	sneaky := filepath.Join(root, ".runs", "task-1", "cli", "run-1", "..", "..", "..", "..", "..", "etc", "cli", "x", "manifest.json")
	if _, err := ResolveManifestPath(sneaky, []string{root}); !errors.Is(err, ErrManifestNotPermitted) {
		t.Fatalf("got %v, want ErrManifestNotPermitted", err)
	}
}

func TestLoadEndpointValidatesBaseURL(t *testing.T) {
	root := t.TempDir()

	cases := []struct {
		name    string
		baseURL string
		err     error
	}{
		{"ftp scheme", "ftp://127.0.0.1:9", ErrEndpointInvalid},
		{"userinfo", "http://user:pw@127.0.0.1:9", ErrEndpointInvalid},
		{"host not allowed", "http://evil.example:9", ErrEndpointNotPermitted},
		{"accepted", "http://127.0.0.1:9", nil},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			manifest := childRunDir(t, root, "task-url", "run-"+tc.name)
			writeEndpoint(t, manifest, tc.baseURL, "tok")
			_ = i
			_, err := LoadEndpoint(manifest, []string{root}, loopbackHosts)
			if !errors.Is(err, tc.err) {
				t.Fatalf("got %v, want %v", err, tc.err)
			}
		})
	}
}

func TestLoadEndpointRejectsEscapingTokenPath(t *testing.T) {
	root := t.TempDir()
	manifest := childRunDir(t, root, "task-1", "run-1")
	runDir := filepath.Dir(manifest)

	endpoint, _ := json.Marshal(map[string]string{
		"base_url":   "http://127.0.0.1:9",
		"token_path": "../../../outside.json",
	})
	if err := os.WriteFile(filepath.Join(runDir, "control_endpoint.json"), endpoint, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadEndpoint(manifest, []string{root}, loopbackHosts); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("got %v, want ErrAuthInvalid", err)
	}
}

func TestLoadEndpointRejectsMissingBaseURL(t *testing.T) {
	root := t.TempDir()
	manifest := childRunDir(t, root, "task-1", "run-1")
	runDir := filepath.Dir(manifest)
	if err := os.WriteFile(filepath.Join(runDir, "control_endpoint.json"), []byte(`{"token_path":"control_auth.json"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadEndpoint(manifest, []string{root}, loopbackHosts); !errors.Is(err, ErrEndpointInvalid) {
		t.Fatalf("got %v, want ErrEndpointInvalid", err)
	}
}

func TestCallSendsBearerAndCSRF(t *testing.T) {
	root := t.TempDir()
	manifest := childRunDir(t, root, "task-1", "run-1")

	var gotAuth, gotCSRF, gotExtra string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCSRF = r.Header.Get(CSRFHeader)
		gotExtra = r.Header.Get(DelegationRunHeader)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()
	writeEndpoint(t, manifest, ts.URL, "child-token")

	client := NewClient(ClientOptions{AllowedRoots: []string{root}, AllowedHosts: loopbackHosts})
	result, err := client.Call(context.Background(), manifest, "/control/action",
		map[string]any{"action": "resume"},
		map[string]string{DelegationRunHeader: "run-1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("result %+v", result)
	}
	if gotAuth != "Bearer child-token" || gotCSRF != "child-token" || gotExtra != "run-1" {
		t.Fatalf("headers auth=%q csrf=%q extra=%q", gotAuth, gotCSRF, gotExtra)
	}
}

func TestCallTimeoutIsDistinct(t *testing.T) {
	root := t.TempDir()
	manifest := childRunDir(t, root, "task-1", "run-1")

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		ts.Close()
	}()
	writeEndpoint(t, manifest, ts.URL, "tok")

	client := NewClient(ClientOptions{
		Timeout:      100 * time.Millisecond,
		AllowedRoots: []string{root},
		AllowedHosts: loopbackHosts,
	})
	if _, err := client.Call(context.Background(), manifest, "/health", nil, nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestCallWithRetryOnlyRetriesDelegationTokenInvalid(t *testing.T) {
	root := t.TempDir()
	manifest := childRunDir(t, root, "task-1", "run-1")

	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls < 3 {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"delegation_token_invalid"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()
	writeEndpoint(t, manifest, ts.URL, "tok")

	client := NewClient(ClientOptions{
		AllowedRoots:  []string{root},
		AllowedHosts:  loopbackHosts,
		RetryInterval: 5 * time.Millisecond,
	})
	result, err := client.CallWithRetry(context.Background(), manifest, "/questions/enqueue",
		map[string]any{"prompt": "hi"}, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("retry call: %v", err)
	}
	if result["ok"] != true || calls != 3 {
		t.Fatalf("result %+v after %d calls", result, calls)
	}
}

func TestCallWithRetryPropagatesOtherErrors(t *testing.T) {
	root := t.TempDir()
	manifest := childRunDir(t, root, "task-1", "run-1")

	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"question_closed"}`))
	}))
	defer ts.Close()
	writeEndpoint(t, manifest, ts.URL, "tok")

	client := NewClient(ClientOptions{
		AllowedRoots:  []string{root},
		AllowedHosts:  loopbackHosts,
		RetryInterval: 5 * time.Millisecond,
	})
	_, err := client.CallWithRetry(context.Background(), manifest, "/questions/answer", map[string]any{}, nil, time.Second)
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Code != "question_closed" || callErr.Status != http.StatusConflict {
		t.Fatalf("got %v", err)
	}
	if calls != 1 {
		t.Fatalf("retried a non-retryable error %d times", calls)
	}
}
