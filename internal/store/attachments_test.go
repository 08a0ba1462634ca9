package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/brandon/mailbench/pkg/types"
)

// seedAttachments applies a delta with one message carrying the named
// attachments and returns their row ids keyed by attachment id.
func seedAttachments(t *testing.T, s *Store, accountID int64, names ...string) map[string]int64 {
	t.Helper()
	ctx := context.Background()

	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")
	msg := testMessage("m1")
	msg.HasAttachments = true
	for _, name := range names {
		msg.Attachments = append(msg.Attachments, types.Attachment{
			AttachmentID: name,
			Name:         name + ".pdf",
			ContentType:  "application/pdf",
			Size:         1024,
		})
	}
	if _, err := s.ApplyFolderDelta(ctx, accountID, "inbox", []types.Message{msg}, "w1", true); err != nil {
		t.Fatalf("applying delta: %v", err)
	}

	m, err := s.GetMessage(ctx, accountID, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	ids := make(map[string]int64, len(m.Attachments))
	for _, a := range m.Attachments {
		ids[a.AttachmentID] = a.ID
	}
	if len(ids) != len(names) {
		t.Fatalf("expected %d attachments, got %+v", len(names), m.Attachments)
	}
	return ids
}

func TestAttachmentByteCacheRoundTrip(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	accountID := newTestAccount(t, s, "work")
	ids := seedAttachments(t, s, accountID, "a1")
	id := ids["a1"]

	if _, found, err := s.AttachmentBytes(ctx, id); err != nil || found {
		t.Fatalf("expected empty cache, found=%v err=%v", found, err)
	}

	data := []byte("attachment payload")
	if err := s.CacheAttachmentBytes(ctx, id, data); err != nil {
		t.Fatalf("caching bytes: %v", err)
	}

	got, found, err := s.AttachmentBytes(ctx, id)
	if err != nil {
		t.Fatalf("reading bytes: %v", err)
	}
	if !found || !bytes.Equal(got, data) {
		t.Fatalf("expected cached payload back, found=%v got=%q", found, got)
	}

	ref, err := s.GetAttachment(ctx, id)
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	if !ref.Cached {
		t.Fatal("expected Cached flag set")
	}

	if err := s.EvictAttachmentBytes(ctx, id); err != nil {
		t.Fatalf("evicting: %v", err)
	}
	if _, found, err := s.AttachmentBytes(ctx, id); err != nil || found {
		t.Fatalf("expected content gone after eviction, found=%v err=%v", found, err)
	}
	// Metadata survives eviction.
	if _, err := s.GetAttachment(ctx, id); err != nil {
		t.Fatalf("expected metadata row to survive, got %v", err)
	}
}

func TestAttachmentBudgetEvictsLRU(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()
	accountID := newTestAccount(t, s, "work")
	ids := seedAttachments(t, s, accountID, "a1", "a2", "a3")

	payload := bytes.Repeat([]byte("x"), 40)
	for _, name := range []string{"a1", "a2"} {
		if err := s.CacheAttachmentBytes(ctx, ids[name], payload); err != nil {
			t.Fatalf("caching %s: %v", name, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Touch a1 so a2 becomes the least recently used.
	if _, _, err := s.AttachmentBytes(ctx, ids["a1"]); err != nil {
		t.Fatalf("touching a1: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	// Caching a3 takes the total to 120 bytes; a2 must go.
	if err := s.CacheAttachmentBytes(ctx, ids["a3"], payload); err != nil {
		t.Fatalf("caching a3: %v", err)
	}

	if _, found, _ := s.AttachmentBytes(ctx, ids["a2"]); found {
		t.Fatal("expected a2 evicted as least recently used")
	}
	for _, name := range []string{"a1", "a3"} {
		if _, found, _ := s.AttachmentBytes(ctx, ids[name]); !found {
			t.Fatalf("expected %s to survive eviction", name)
		}
	}
}

func TestAttachmentFreshEntryNeverEvicted(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()
	accountID := newTestAccount(t, s, "work")
	ids := seedAttachments(t, s, accountID, "big")

	// A single entry over budget stays cached.
	payload := bytes.Repeat([]byte("y"), 50)
	if err := s.CacheAttachmentBytes(ctx, ids["big"], payload); err != nil {
		t.Fatalf("caching: %v", err)
	}
	if _, found, _ := s.AttachmentBytes(ctx, ids["big"]); !found {
		t.Fatal("freshly cached entry must not evict itself")
	}
}

func TestCachedAttachmentsOrder(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	accountID := newTestAccount(t, s, "work")
	ids := seedAttachments(t, s, accountID, "a1", "a2")

	for _, name := range []string{"a1", "a2"} {
		if err := s.CacheAttachmentBytes(ctx, ids[name], []byte("data")); err != nil {
			t.Fatalf("caching %s: %v", name, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Reading a1 makes it the most recent.
	if _, _, err := s.AttachmentBytes(ctx, ids["a1"]); err != nil {
		t.Fatalf("touching a1: %v", err)
	}

	order, err := s.CachedAttachments(ctx)
	if err != nil {
		t.Fatalf("cached attachments: %v", err)
	}
	if len(order) != 2 || order[0] != ids["a2"] || order[1] != ids["a1"] {
		t.Fatalf("expected LRU order [a2 a1], got %v (ids %v)", order, ids)
	}
}

func TestCacheAttachmentBytesUnknownID(t *testing.T) {
	s := newTestStore(t, 0)
	if err := s.CacheAttachmentBytes(context.Background(), 9999, []byte("x")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
