package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookNotifier_DeliversPayload(t *testing.T) {
	var got Event
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, map[string]string{"Authorization": "Bearer tok"}, time.Second)

	ev := Event{
		Type:      EventDeployment,
		Horizon:   "h24",
		At:        time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Reasons:   []string{"performance_degradation"},
		Decision:  "deployed",
		Deltas:    map[string]string{"mae": "-7.2%"},
		VersionID: "v1",
	}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %s", gotAuth)
	}
	if got.Type != EventDeployment || got.Horizon != "h24" || got.VersionID != "v1" {
		t.Errorf("payload = %+v", got)
	}
	if got.Deltas["mae"] != "-7.2%" {
		t.Errorf("deltas = %v", got.Deltas)
	}
}

func TestWebhookNotifier_Non2xxIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, nil, time.Second)
	if err := n.Notify(context.Background(), Event{Type: EventRollback, Horizon: "h24"}); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestWebhookNotifier_UnreachableEndpoint(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1", nil, 200*time.Millisecond)
	if err := n.Notify(context.Background(), Event{Type: EventTriggerFired, Horizon: "h24"}); err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Event) error {
	f.calls++
	return errors.New("sink down")
}

type recordingNotifier struct{ events []Event }

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestMulti_FailuresDoNotPropagate(t *testing.T) {
	failing := &failingNotifier{}
	recording := &recordingNotifier{}

	m := NewMulti(nil, failing, recording)
	if err := m.Notify(context.Background(), Event{Type: EventValidationResult, Horizon: "h24"}); err != nil {
		t.Fatalf("Multi.Notify must never fail, got %v", err)
	}

	if failing.calls != 1 {
		t.Errorf("failing sink called %d times, want 1", failing.calls)
	}
	if len(recording.events) != 1 {
		t.Errorf("recording sink saw %d events, want 1 (failure must not short-circuit)", len(recording.events))
	}
}

func TestLogNotifier_NeverFails(t *testing.T) {
	n := NewLogNotifier(nil)
	if err := n.Notify(context.Background(), Event{Type: EventRunAborted, Horizon: "h24"}); err != nil {
		t.Errorf("LogNotifier.Notify failed: %v", err)
	}
}
