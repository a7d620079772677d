package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyper-ai-inc/session-control/internal/secrets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeliverSigned(t *testing.T) {
	var gotSig string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Callback-Signature")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	n := New("cb-secret", testLogger())
	n.Deliver(context.Background(), server.URL, Payload{
		SessionID:   "s1",
		MessageID:   "m1",
		Status:      "completed",
		CompletedAt: time.Now().UTC(),
	})

	if len(gotBody) == 0 {
		t.Fatal("no body delivered")
	}
	if gotSig != secrets.Sign("cb-secret", gotBody) {
		t.Fatalf("signature mismatch: %q", gotSig)
	}
}

func TestDeliverRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer server.Close()

	n := New("s", testLogger())
	n.Deliver(context.Background(), server.URL, Payload{SessionID: "s1", MessageID: "m1", Status: "failed"})

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestDeliverSwallowsTotalFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := New("s", testLogger())
	// Must not panic or return anything; failures are logged and dropped.
	n.Deliver(context.Background(), server.URL, Payload{SessionID: "s1", MessageID: "m1", Status: "completed"})

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestDeliverEmptyURL(t *testing.T) {
	n := New("s", testLogger())
	n.Deliver(context.Background(), "", Payload{SessionID: "s1"})
}
