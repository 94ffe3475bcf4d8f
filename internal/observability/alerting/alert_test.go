package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "ControlAgent/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("down") }

func TestWebhookNotifierPostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode event: %v", err)
		}
		received <- ev
	}))
	defer srv.Close()

	dispatcher := NewFanout(LogNotifier{}, &WebhookNotifier{URL: srv.URL, Client: srv.Client()})
	err := dispatcher.Notify(context.Background(), Event{
		Code:       xerrors.CodeUpstreamFailed,
		Message:    "reclaim abandoned",
		Severity:   xerrors.SeverityCritical,
		DatabaseID: "doc-old",
		Attempts:   5,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	ev := <-received
	if ev.DatabaseID != "doc-old" || ev.Attempts != 5 || ev.Code != xerrors.CodeUpstreamFailed {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewFanout(failingNotifier{}, &WebhookNotifier{URL: srv.URL}, nil).Notify(context.Background(), Event{})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher must be a no-op, got %v", err)
	}
}
