package chatsync

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return testEpoch.Add(time.Duration(sec) * time.Second)
}

func msgAt(conversationID, id string, sec int) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "u-2",
		Content:        "message " + id,
		CreatedAt:      at(sec),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func checkTimeline(t *testing.T, msgs []Message) {
	t.Helper()
	seen := make(map[string]bool)
	for i, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s in %v", m.ID, ids(msgs))
		}
		seen[m.ID] = true
		if i > 0 && less(&m, &msgs[i-1]) {
			t.Fatalf("out of order at %d: %v", i, ids(msgs))
		}
	}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ============================================================================
// Load
// ============================================================================

func TestTimelineLoad(t *testing.T) {
	t.Run("sorts and dedupes", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		ok := tl.Load("c1", []Message{
			msgAt("c1", "m3", 3),
			msgAt("c1", "m1", 1),
			msgAt("c1", "m2", 2),
			msgAt("c1", "m1", 1),
		})
		if !ok {
			t.Fatal("expected Load to apply")
		}
		got := ids(tl.Snapshot())
		if want := []string{"m1", "m2", "m3"}; !equalIDs(got, want) {
			t.Errorf("expected %v, got %v", want, got)
		}
		for _, m := range tl.Snapshot() {
			if m.Status != StatusConfirmed {
				t.Errorf("expected confirmed status, got %q", m.Status)
			}
		}
	})

	t.Run("replaces wholesale", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.Load("c1", []Message{msgAt("c1", "old", 1)})
		tl.Load("c1", []Message{msgAt("c1", "new", 2)})
		if got := ids(tl.Snapshot()); !equalIDs(got, []string{"new"}) {
			t.Errorf("expected [new], got %v", got)
		}
	})

	t.Run("keeps pending entries", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.AppendOptimistic(Message{ClientID: "k1", ConversationID: "c1", Content: "hi", CreatedAt: at(10)})
		tl.Load("c1", []Message{msgAt("c1", "m1", 1)})

		got := tl.Snapshot()
		if !equalIDs(ids(got), []string{"m1", "local-k1"}) {
			t.Fatalf("expected [m1 local-k1], got %v", ids(got))
		}
		if !got[1].Pending() {
			t.Error("expected local-k1 still pending")
		}
		if !tl.Reconcile("k1", Message{ID: "srv-1", ConversationID: "c1", CreatedAt: at(11)}) {
			t.Error("expected the carried entry to reconcile")
		}
	})

	t.Run("stale conversation ignored", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c2")
		if tl.Load("c1", []Message{msgAt("c1", "m1", 1)}) {
			t.Fatal("expected Load for inactive conversation to be rejected")
		}
		if tl.Len() != 0 {
			t.Errorf("expected empty timeline, got %d", tl.Len())
		}
	})

	t.Run("equal timestamps ordered by id", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.Load("c1", []Message{msgAt("c1", "b", 1), msgAt("c1", "a", 1)})
		if got := ids(tl.Snapshot()); !equalIDs(got, []string{"a", "b"}) {
			t.Errorf("expected [a b], got %v", got)
		}
	})
}

// ============================================================================
// AppendIncoming
// ============================================================================

func TestTimelineAppendIncoming(t *testing.T) {
	t.Run("appends in order", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.Load("c1", []Message{msgAt("c1", "m1", 1)})
		if res := tl.AppendIncoming(msgAt("c1", "m2", 2)); res != Appended {
			t.Fatalf("expected Appended, got %s", res)
		}
		if got := ids(tl.Snapshot()); !equalIDs(got, []string{"m1", "m2"}) {
			t.Errorf("expected [m1 m2], got %v", got)
		}
	})

	t.Run("idempotent by id", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		m := msgAt("c1", "m1", 1)
		tl.AppendIncoming(m)
		if res := tl.AppendIncoming(m); res != Duplicate {
			t.Fatalf("expected Duplicate, got %s", res)
		}
		if tl.Len() != 1 {
			t.Errorf("expected 1 message, got %d", tl.Len())
		}
	})

	t.Run("other conversation rejected", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		if res := tl.AppendIncoming(msgAt("c2", "m1", 1)); res != NotActive {
			t.Fatalf("expected NotActive, got %s", res)
		}
		if tl.Len() != 0 {
			t.Errorf("expected empty timeline, got %d", tl.Len())
		}
	})

	t.Run("nothing open", func(t *testing.T) {
		tl := NewTimeline()
		if res := tl.AppendIncoming(msgAt("c1", "m1", 1)); res != NotActive {
			t.Fatalf("expected NotActive, got %s", res)
		}
	})

	t.Run("late arrival inserted at its position", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.AppendIncoming(msgAt("c1", "m1", 1))
		tl.AppendIncoming(msgAt("c1", "m3", 3))
		tl.AppendIncoming(msgAt("c1", "m2", 2))
		if got := ids(tl.Snapshot()); !equalIDs(got, []string{"m1", "m2", "m3"}) {
			t.Errorf("expected [m1 m2 m3], got %v", got)
		}
	})

	t.Run("client id confirms pending entry", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.AppendOptimistic(Message{ClientID: "k1", ConversationID: "c1", Content: "hi", CreatedAt: at(5)})

		echo := msgAt("c1", "m1", 6)
		echo.ClientID = "k1"
		if res := tl.AppendIncoming(echo); res != Reconciled {
			t.Fatalf("expected Reconciled, got %s", res)
		}
		got := tl.Snapshot()
		if len(got) != 1 || got[0].ID != "m1" || got[0].Pending() {
			t.Fatalf("expected one confirmed m1, got %+v", got)
		}
		if tl.Reconcile("k1", echo) {
			t.Error("expected later REST ack to find nothing pending")
		}
	})
}

// ============================================================================
// Optimistic send
// ============================================================================

func TestTimelineOptimistic(t *testing.T) {
	t.Run("pending then confirmed at position 0", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.Load("c1", nil)

		ok := tl.AppendOptimistic(Message{ClientID: "k1", ConversationID: "c1", SenderID: "u-1", Content: "hi", CreatedAt: at(10)})
		if !ok {
			t.Fatal("expected optimistic append")
		}
		got := tl.Snapshot()
		if len(got) != 1 || got[0].ID != "local-k1" || !got[0].Pending() {
			t.Fatalf("expected pending local-k1, got %+v", got)
		}

		server := Message{ID: "m1", ConversationID: "c1", SenderID: "u-1", Content: "hi", CreatedAt: at(11)}
		if !tl.Reconcile("k1", server) {
			t.Fatal("expected reconcile")
		}
		got = tl.Snapshot()
		if len(got) != 1 {
			t.Fatalf("expected exactly one message, got %d", len(got))
		}
		if got[0].ID != "m1" || got[0].Status != StatusConfirmed || !got[0].CreatedAt.Equal(at(11)) {
			t.Errorf("expected confirmed m1 at t=11, got %+v", got[0])
		}
		if got[0].ClientID != "k1" {
			t.Errorf("expected client id kept, got %q", got[0].ClientID)
		}
		if tl.Has("local-k1") {
			t.Error("temporary id still indexed")
		}
	})

	t.Run("reconcile keeps position", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.AppendIncoming(msgAt("c1", "a", 1))
		tl.AppendOptimistic(Message{ClientID: "k1", ConversationID: "c1", Content: "x", CreatedAt: at(10)})
		tl.AppendIncoming(msgAt("c1", "c", 12))

		tl.Reconcile("k1", Message{ID: "b", ConversationID: "c1", Content: "x", CreatedAt: at(11)})
		if got := ids(tl.Snapshot()); !equalIDs(got, []string{"a", "b", "c"}) {
			t.Errorf("expected [a b c], got %v", got)
		}
	})

	t.Run("reconcile moves when ordering would break", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.AppendIncoming(msgAt("c1", "a", 1))
		tl.AppendOptimistic(Message{ClientID: "k1", ConversationID: "c1", Content: "x", CreatedAt: at(10)})
		tl.AppendIncoming(msgAt("c1", "c", 12))

		tl.Reconcile("k1", Message{ID: "m", ConversationID: "c1", Content: "x", CreatedAt: at(13)})
		got := tl.Snapshot()
		checkTimeline(t, got)
		if want := []string{"a", "c", "m"}; !equalIDs(ids(got), want) {
			t.Errorf("expected %v, got %v", want, ids(got))
		}
	})

	t.Run("echo before ack keeps ids unique", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.AppendOptimistic(Message{ClientID: "k1", ConversationID: "c1", Content: "hi", CreatedAt: at(10)})
		tl.AppendIncoming(msgAt("c1", "m1", 11))

		if !tl.Reconcile("k1", msgAt("c1", "m1", 11)) {
			t.Fatal("expected reconcile to consume the pending entry")
		}
		if got := ids(tl.Snapshot()); !equalIDs(got, []string{"m1"}) {
			t.Errorf("expected [m1], got %v", got)
		}
	})

	t.Run("server fields fall back to local", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.AppendOptimistic(Message{ClientID: "k1", ConversationID: "c1", SenderID: "u-1", Content: "hi", CreatedAt: at(10)})
		tl.Reconcile("k1", Message{ID: "m1"})

		got := tl.Snapshot()[0]
		if got.Content != "hi" || got.SenderID != "u-1" || got.ConversationID != "c1" || !got.CreatedAt.Equal(at(10)) {
			t.Errorf("expected local fields kept, got %+v", got)
		}
	})

	t.Run("rollback removes pending", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		tl.AppendIncoming(msgAt("c1", "a", 1))
		tl.AppendOptimistic(Message{ClientID: "k1", ConversationID: "c1", Content: "x", CreatedAt: at(10)})

		if !tl.Rollback("k1") {
			t.Fatal("expected rollback")
		}
		if got := ids(tl.Snapshot()); !equalIDs(got, []string{"a"}) {
			t.Errorf("expected [a], got %v", got)
		}
		if tl.Rollback("k1") {
			t.Error("second rollback should find nothing")
		}
	})

	t.Run("optimistic for inactive conversation ignored", func(t *testing.T) {
		tl := NewTimeline()
		tl.Open("c1")
		if tl.AppendOptimistic(Message{ClientID: "k1", ConversationID: "c2", Content: "x"}) {
			t.Error("expected optimistic append to be rejected")
		}
	})
}

func TestTimelineMarkSeen(t *testing.T) {
	tl := NewTimeline()
	tl.Open("c1")
	tl.Load("c1", []Message{msgAt("c1", "m1", 1)})

	if !tl.MarkSeen("m1") {
		t.Fatal("expected MarkSeen to find m1")
	}
	if !tl.Snapshot()[0].Seen {
		t.Error("expected m1 seen")
	}
	if tl.MarkSeen("missing") {
		t.Error("expected MarkSeen on unknown id to report false")
	}
}

func TestTimelineSnapshotIsCopy(t *testing.T) {
	tl := NewTimeline()
	tl.Open("c1")
	m := msgAt("c1", "m1", 1)
	m.Attachment = &Attachment{Kind: AttachmentImage, URL: "https://cdn/a.png"}
	tl.AppendIncoming(m)

	snap := tl.Snapshot()
	snap[0].Content = "changed"
	snap[0].Attachment.URL = "changed"

	got := tl.Snapshot()[0]
	if got.Content == "changed" || got.Attachment.URL == "changed" {
		t.Error("snapshot mutation leaked into the timeline")
	}
}

// ============================================================================
// Ordering property
// ============================================================================

func TestTimelineOrderingUnderRandomOps(t *testing.T) {
	for seed := int64(1); seed <= 50; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			tl := NewTimeline()
			tl.Open("c1")
			var pending []string

			for i := 0; i < 200; i++ {
				switch rng.Intn(5) {
				case 0, 1:
					id := fmt.Sprintf("m%d", rng.Intn(60))
					tl.AppendIncoming(msgAt("c1", id, rng.Intn(30)))
				case 2:
					k := fmt.Sprintf("k%d", i)
					if tl.AppendOptimistic(Message{ClientID: k, ConversationID: "c1", Content: "x", CreatedAt: at(rng.Intn(30))}) {
						pending = append(pending, k)
					}
				case 3:
					if len(pending) == 0 {
						continue
					}
					j := rng.Intn(len(pending))
					k := pending[j]
					pending = append(pending[:j], pending[j+1:]...)
					tl.Reconcile(k, msgAt("c1", fmt.Sprintf("m%d", rng.Intn(60)), rng.Intn(30)))
				case 4:
					if len(pending) == 0 {
						continue
					}
					j := rng.Intn(len(pending))
					tl.Rollback(pending[j])
					pending = append(pending[:j], pending[j+1:]...)
				}
				checkTimeline(t, tl.Snapshot())
			}
		})
	}
}
