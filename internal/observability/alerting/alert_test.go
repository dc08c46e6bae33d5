package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/pkg/logger"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	t.Parallel()

	a := &recordingNotifier{channel: ChannelLog}
	b := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeExternalFailure})
	if err == nil {
		t.Fatalf("expected joined error from failing channel")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both channels notified, got %d/%d", len(a.events), len(b.events))
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestFromErrorCarriesMetadata(t *testing.T) {
	t.Parallel()

	err := xerrors.New(xerrors.CodeExternalFailure, "confirm failed", xerrors.WithMetadata("stage", "confirm"))
	event := FromError(err, "wallet-1", "agent-1")
	if event.Code != xerrors.CodeExternalFailure || event.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["stage"] != "confirm" || event.WalletID != "wallet-1" {
		t.Fatalf("metadata not propagated: %+v", event)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	t.Parallel()

	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodePolicyViolation, WalletID: "w"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Code != xerrors.CodePolicyViolation || got.WalletID != "w" {
		t.Fatalf("unexpected payload %+v", got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	if err := (&WebhookNotifier{URL: failing.URL}).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error on non-2xx status")
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	t.Parallel()

	n := &LogNotifier{Logger: logger.Discard()}
	if err := n.Notify(context.Background(), Event{Message: "frozen", Metadata: map[string]string{"reason": "drawdown"}}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}
