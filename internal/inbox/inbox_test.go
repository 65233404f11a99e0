package inbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/convoflow/pkg/api"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestInboxes(t *testing.T) map[string]Inbox {
	t.Helper()
	sq, err := NewSQLiteInbox(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteInbox: %v", err)
	}
	return map[string]Inbox{
		"memory": NewInMemoryInbox(),
		"sqlite": sq,
	}
}

func TestInboxFIFO(t *testing.T) {
	for name, box := range newTestInboxes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, content := range []string{"first", "second", "third"} {
				err := box.Offer(ctx, "inst-1", api.Signal{
					Kind:       api.SignalUserMessage,
					ReceivedAt: time.Now(),
					Content:    content,
				})
				if err != nil {
					t.Fatalf("Offer: %v", err)
				}
			}

			for _, want := range []string{"first", "second", "third"} {
				e, err := box.Peek(ctx, "inst-1")
				if err != nil {
					t.Fatalf("Peek: %v", err)
				}
				if e == nil {
					t.Fatalf("Peek returned nil, want %q", want)
				}
				if e.Signal.Content != want {
					t.Fatalf("Peek content = %q, want %q", e.Signal.Content, want)
				}
				if err := box.Ack(ctx, "inst-1", e.ID); err != nil {
					t.Fatalf("Ack: %v", err)
				}
			}

			e, err := box.Peek(ctx, "inst-1")
			if err != nil {
				t.Fatalf("Peek after drain: %v", err)
			}
			if e != nil {
				t.Fatalf("Peek after drain = %+v, want nil", e)
			}
		})
	}
}

func TestInboxPeekRedeliversUntilAck(t *testing.T) {
	for name, box := range newTestInboxes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := box.Offer(ctx, "inst-1", api.Signal{Kind: api.SignalUserMessage, Content: "hello"}); err != nil {
				t.Fatalf("Offer: %v", err)
			}

			// A consumer that crashed after Peek sees the same entry again.
			first, err := box.Peek(ctx, "inst-1")
			if err != nil || first == nil {
				t.Fatalf("first Peek = %v, %v", first, err)
			}
			second, err := box.Peek(ctx, "inst-1")
			if err != nil || second == nil {
				t.Fatalf("second Peek = %v, %v", second, err)
			}
			if first.ID != second.ID {
				t.Fatalf("redelivered entry id changed: %d != %d", first.ID, second.ID)
			}

			if err := box.Ack(ctx, "inst-1", first.ID); err != nil {
				t.Fatalf("Ack: %v", err)
			}
			// Double ack is a no-op.
			if err := box.Ack(ctx, "inst-1", first.ID); err != nil {
				t.Fatalf("second Ack: %v", err)
			}

			if e, _ := box.Peek(ctx, "inst-1"); e != nil {
				t.Fatalf("entry still pending after ack: %+v", e)
			}
		})
	}
}

func TestInboxIsolatesInstances(t *testing.T) {
	for name, box := range newTestInboxes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_ = box.Offer(ctx, "inst-a", api.Signal{Kind: api.SignalUserMessage, Content: "for a"})
			_ = box.Offer(ctx, "inst-b", api.Signal{Kind: api.SignalUserMessage, Content: "for b"})

			e, err := box.Peek(ctx, "inst-b")
			if err != nil || e == nil {
				t.Fatalf("Peek inst-b = %v, %v", e, err)
			}
			if e.Signal.Content != "for b" {
				t.Fatalf("Peek inst-b content = %q", e.Signal.Content)
			}

			n, err := box.Pending(ctx, "inst-a")
			if err != nil || n != 1 {
				t.Fatalf("Pending inst-a = %d, %v", n, err)
			}
		})
	}
}

func TestInboxBacklog(t *testing.T) {
	for name, box := range newTestInboxes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ids, err := box.Backlog(ctx)
			if err != nil {
				t.Fatalf("Backlog: %v", err)
			}
			if len(ids) != 0 {
				t.Fatalf("empty inbox backlog = %v", ids)
			}

			_ = box.Offer(ctx, "inst-a", api.Signal{Kind: api.SignalUserConnected})
			_ = box.Offer(ctx, "inst-b", api.Signal{Kind: api.SignalUserConnected})

			ids, err = box.Backlog(ctx)
			if err != nil {
				t.Fatalf("Backlog: %v", err)
			}
			if len(ids) != 2 {
				t.Fatalf("backlog = %v, want 2 instances", ids)
			}

			e, _ := box.Peek(ctx, "inst-a")
			_ = box.Ack(ctx, "inst-a", e.ID)

			ids, _ = box.Backlog(ctx)
			if len(ids) != 1 || ids[0] != "inst-b" {
				t.Fatalf("backlog after drain = %v, want [inst-b]", ids)
			}
		})
	}
}

func TestSQLiteInboxRoundTripsSignalPayload(t *testing.T) {
	box, err := NewSQLiteInbox(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteInbox: %v", err)
	}
	ctx := context.Background()

	sig := api.Signal{
		Kind:       api.SignalStreamingComplete,
		ReceivedAt: time.Now().UTC().Truncate(time.Millisecond),
		Stream: &api.StreamOutcome{
			RequestID: "req-1",
			Content:   "final answer",
			Action:    &api.ActionSignal{Action: api.ActionCompleteStep},
		},
	}
	if err := box.Offer(ctx, "inst-1", sig); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	e, err := box.Peek(ctx, "inst-1")
	if err != nil || e == nil {
		t.Fatalf("Peek = %v, %v", e, err)
	}
	if e.Signal.Kind != api.SignalStreamingComplete {
		t.Fatalf("kind = %s", e.Signal.Kind)
	}
	if e.Signal.Stream == nil || e.Signal.Stream.RequestID != "req-1" {
		t.Fatalf("stream outcome lost: %+v", e.Signal.Stream)
	}
	if e.Signal.Stream.Action.Effective() != api.ActionCompleteStep {
		t.Fatalf("action lost: %+v", e.Signal.Stream.Action)
	}
}
