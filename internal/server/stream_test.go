package server

import (
	"bufio"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestEventStreamDeliversActions(t *testing.T) {
	env := newTestEnv(t, nil)
	runner := env.runnerToken()

	req, err := http.NewRequest(http.MethodGet, env.srv.BaseURL()+"/events?token="+runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	// Trigger once the subscription is registered.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := env.request(http.MethodPost, "/control/action", runner,
		map[string]any{"action": "pause"}, nil)
	if status != http.StatusOK {
		t.Fatalf("trigger: status %d", status)
	}

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(res.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				lines <- line
				return
			}
		}
	}()

	select {
	case line := <-lines:
		if !strings.Contains(line, "control.action") {
			t.Fatalf("frame %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event frame received")
	}
}

func TestEventStreamRequiresCredential(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := http.Get(env.srv.BaseURL() + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}
}
