package store

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/brandon/mailbench/pkg/types"
)

func mustUpsertFolder(t *testing.T, s *Store, accountID int64, folderID, path string) {
	t.Helper()
	err := s.UpsertFolder(context.Background(), accountID, types.Folder{
		FolderID: folderID,
		Name:     path,
		Path:     path,
	})
	if err != nil {
		t.Fatalf("upserting folder %s: %v", folderID, err)
	}
}

func testMessage(itemID string) types.Message {
	return types.Message{
		ItemID:      itemID,
		Subject:     "subject " + itemID,
		SenderName:  "Sender",
		SenderEmail: "sender@example.com",
		Recipients:  []string{"me@example.com"},
		Date:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func mustApplyDelta(t *testing.T, s *Store, accountID int64, folderID string, itemIDs []string, watermark string, full bool) DeltaCounts {
	t.Helper()

	msgs := make([]types.Message, 0, len(itemIDs))
	for _, id := range itemIDs {
		msgs = append(msgs, testMessage(id))
	}
	counts, err := s.ApplyFolderDelta(context.Background(), accountID, folderID, msgs, watermark, full)
	if err != nil {
		t.Fatalf("applying delta: %v", err)
	}
	return counts
}

func cachedItemIDs(t *testing.T, s *Store, accountID int64, folderID string) []string {
	t.Helper()

	msgs, err := s.ListMessages(context.Background(), accountID, MessageFilter{FolderID: folderID})
	if err != nil {
		t.Fatalf("listing messages: %v", err)
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ItemID)
	}
	sort.Strings(ids)
	return ids
}

func TestFullReconciliationMatchesListing(t *testing.T) {
	s := newTestStore(t, 0)
	accountID := newTestAccount(t, s, "work")
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")

	counts := mustApplyDelta(t, s, accountID, "inbox", []string{"m1", "m2", "m3"}, "w1", true)
	if counts.Added != 3 || counts.Updated != 0 || counts.Removed != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	ids := cachedItemIDs(t, s, accountID, "inbox")
	want := []string{"m1", "m2", "m3"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestCrossFolderMovePrunedBeforeDestinationSync(t *testing.T) {
	s := newTestStore(t, 0)
	accountID := newTestAccount(t, s, "work")
	ctx := context.Background()
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")
	mustUpsertFolder(t, s, accountID, "archive", "Archive")

	mustApplyDelta(t, s, accountID, "inbox", []string{"m1"}, "w1", true)
	if err := s.SaveMessageBody(ctx, accountID, "m1", "original body", "", nil); err != nil {
		t.Fatalf("save body: %v", err)
	}

	// The message moved to archive server-side, but the source folder's
	// full listing lands first: the row is pruned, cached body included.
	counts := mustApplyDelta(t, s, accountID, "inbox", nil, "w2", true)
	if counts.Removed != 1 {
		t.Fatalf("expected the moved message pruned from its old folder, got %+v", counts)
	}

	// The destination's listing re-creates the row clean; the body is
	// gone but refetchable.
	counts = mustApplyDelta(t, s, accountID, "archive", []string{"m1"}, "w1", true)
	if counts.Added != 1 {
		t.Fatalf("expected the message re-added in archive, got %+v", counts)
	}
	m, err := s.GetMessage(ctx, accountID, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.FolderID != "archive" {
		t.Fatalf("expected message in archive, got %q", m.FolderID)
	}
	if m.BodyCached {
		t.Fatal("a move observed as remove-then-add does not keep the cached body")
	}

	if err := s.SaveMessageBody(ctx, accountID, "m1", "original body", "", nil); err != nil {
		t.Fatalf("refetching body: %v", err)
	}
	m, err = s.GetMessage(ctx, accountID, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !m.BodyCached || m.BodyText != "original body" {
		t.Fatalf("expected refetched body, got %+v", m)
	}
}

func TestReconciliationIsIdempotent(t *testing.T) {
	s := newTestStore(t, 0)
	accountID := newTestAccount(t, s, "work")
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")

	mustApplyDelta(t, s, accountID, "inbox", []string{"m1", "m2"}, "w1", true)
	before := cachedItemIDs(t, s, accountID, "inbox")

	counts := mustApplyDelta(t, s, accountID, "inbox", []string{"m1", "m2"}, "w1", true)
	if counts.Added != 0 || counts.Removed != 0 {
		t.Fatalf("second run should add/remove nothing, got %+v", counts)
	}

	after := cachedItemIDs(t, s, accountID, "inbox")
	if len(before) != len(after) {
		t.Fatalf("expected no diff, got %v then %v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("expected no diff, got %v then %v", before, after)
		}
	}
}

func TestFullListingPrunesServerDeletions(t *testing.T) {
	s := newTestStore(t, 0)
	accountID := newTestAccount(t, s, "work")
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")

	mustApplyDelta(t, s, accountID, "inbox", []string{"m1", "m2", "m3"}, "w1", true)

	// Server deletes m2; the next full listing prunes it.
	counts := mustApplyDelta(t, s, accountID, "inbox", []string{"m1", "m3"}, "w2", true)
	if counts.Removed != 1 {
		t.Fatalf("expected 1 removed, got %+v", counts)
	}

	ids := cachedItemIDs(t, s, accountID, "inbox")
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m3" {
		t.Fatalf("expected [m1 m3], got %v", ids)
	}
}

func TestIncrementalListingDoesNotPrune(t *testing.T) {
	s := newTestStore(t, 0)
	accountID := newTestAccount(t, s, "work")
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")

	mustApplyDelta(t, s, accountID, "inbox", []string{"m1", "m2"}, "w1", true)

	// An incremental listing mentions only the changed message.
	counts := mustApplyDelta(t, s, accountID, "inbox", []string{"m2"}, "w2", false)
	if counts.Removed != 0 {
		t.Fatalf("incremental listing must not prune, got %+v", counts)
	}

	ids := cachedItemIDs(t, s, accountID, "inbox")
	if len(ids) != 2 {
		t.Fatalf("expected both messages kept, got %v", ids)
	}
}

func TestReconciliationReparentsMovedMessage(t *testing.T) {
	s := newTestStore(t, 0)
	accountID := newTestAccount(t, s, "work")
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")
	mustUpsertFolder(t, s, accountID, "archive", "Archive")

	mustApplyDelta(t, s, accountID, "inbox", []string{"m1"}, "w1", true)

	// The latest listing reporting the message wins its placement.
	mustApplyDelta(t, s, accountID, "archive", []string{"m1"}, "w1", true)

	if ids := cachedItemIDs(t, s, accountID, "archive"); len(ids) != 1 {
		t.Fatalf("expected m1 in archive, got %v", ids)
	}
	if ids := cachedItemIDs(t, s, accountID, "inbox"); len(ids) != 0 {
		t.Fatalf("expected inbox empty after move, got %v", ids)
	}
}

func TestReconciliationPreservesCachedBody(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	accountID := newTestAccount(t, s, "work")
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")

	mustApplyDelta(t, s, accountID, "inbox", []string{"m1"}, "w1", true)
	if err := s.SaveMessageBody(ctx, accountID, "m1", "hello", "<p>hello</p>", nil); err != nil {
		t.Fatalf("save body: %v", err)
	}

	mustApplyDelta(t, s, accountID, "inbox", []string{"m1"}, "w2", true)

	m, err := s.GetMessage(ctx, accountID, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !m.BodyCached || m.BodyText != "hello" {
		t.Fatalf("expected cached body to survive re-sync, got cached=%v text=%q", m.BodyCached, m.BodyText)
	}
}

func TestMarkReadIsLocalFirstAndQueued(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	accountID := newTestAccount(t, s, "work")
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")
	mustApplyDelta(t, s, accountID, "inbox", []string{"m1"}, "w1", true)

	if err := s.MarkRead(ctx, accountID, "m1", true); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	// Visible to the next cache read immediately.
	m, err := s.GetMessage(ctx, accountID, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !m.IsRead {
		t.Fatal("expected message to read as read before remote propagation")
	}

	actions, err := s.PendingActions(ctx, accountID)
	if err != nil {
		t.Fatalf("pending actions: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionMarkRead {
		t.Fatalf("expected one queued mark_read action, got %+v", actions)
	}
}

func TestMarkReadUnknownMessage(t *testing.T) {
	s := newTestStore(t, 0)
	accountID := newTestAccount(t, s, "work")

	err := s.MarkRead(context.Background(), accountID, "ghost", true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMessageHidesUntilAcknowledged(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	accountID := newTestAccount(t, s, "work")
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")
	mustApplyDelta(t, s, accountID, "inbox", []string{"m1", "m2"}, "w1", true)

	if err := s.DeleteMessage(ctx, accountID, "m1"); err != nil {
		t.Fatalf("delete message: %v", err)
	}

	// Hidden from reads, queued for remote deletion, row still present.
	if ids := cachedItemIDs(t, s, accountID, "inbox"); len(ids) != 1 || ids[0] != "m2" {
		t.Fatalf("expected only m2 visible, got %v", ids)
	}
	actions, err := s.PendingActions(ctx, accountID)
	if err != nil {
		t.Fatalf("pending actions: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionDelete {
		t.Fatalf("expected queued delete, got %+v", actions)
	}

	if err := s.CompleteDelete(ctx, accountID, "m1"); err != nil {
		t.Fatalf("complete delete: %v", err)
	}
	if _, err := s.GetMessage(ctx, accountID, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected row removed after acknowledgement, got %v", err)
	}
}

func TestListMessagesFilterAndPaging(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	accountID := newTestAccount(t, s, "work")
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")

	msgs := []types.Message{
		{ItemID: "m1", Subject: "invoice march", SenderEmail: "billing@corp.com", Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{ItemID: "m2", Subject: "lunch?", SenderEmail: "friend@home.net", Date: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), IsRead: true},
		{ItemID: "m3", Subject: "invoice april", SenderEmail: "billing@corp.com", Date: time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)},
	}
	if _, err := s.ApplyFolderDelta(ctx, accountID, "inbox", msgs, "w1", true); err != nil {
		t.Fatalf("applying delta: %v", err)
	}

	unread, err := s.ListMessages(ctx, accountID, MessageFilter{FolderID: "inbox", UnreadOnly: true})
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 2 {
		t.Fatalf("expected 2 unread, got %d", len(unread))
	}

	billing, err := s.ListMessages(ctx, accountID, MessageFilter{Sender: "billing"})
	if err != nil {
		t.Fatalf("list by sender: %v", err)
	}
	if len(billing) != 2 {
		t.Fatalf("expected 2 from billing, got %d", len(billing))
	}

	// Default sort is date descending; page of one.
	page, err := s.ListMessages(ctx, accountID, MessageFilter{FolderID: "inbox", Limit: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ItemID != "m3" {
		t.Fatalf("expected newest first, got %+v", page)
	}

	second, err := s.ListMessages(ctx, accountID, MessageFilter{FolderID: "inbox", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second) != 1 || second[0].ItemID != "m2" {
		t.Fatalf("expected m2 on second page, got %+v", second)
	}
}

func TestSaveMessageBodyRoundTrip(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	accountID := newTestAccount(t, s, "work")
	mustUpsertFolder(t, s, accountID, "inbox", "Inbox")
	mustApplyDelta(t, s, accountID, "inbox", []string{"m1"}, "w1", true)

	const text = "plain body"
	const html = "<p>plain body</p>"
	if err := s.SaveMessageBody(ctx, accountID, "m1", text, html, nil); err != nil {
		t.Fatalf("save body: %v", err)
	}

	m, err := s.GetMessage(ctx, accountID, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.BodyText != text || m.BodyHTML != html {
		t.Fatalf("body mismatch: %q / %q", m.BodyText, m.BodyHTML)
	}

	if err := s.EvictMessageBody(ctx, accountID, "m1"); err != nil {
		t.Fatalf("evict body: %v", err)
	}
	m, err = s.GetMessage(ctx, accountID, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.BodyCached || m.BodyText != "" {
		t.Fatalf("expected body evicted, got cached=%v text=%q", m.BodyCached, m.BodyText)
	}

	// Re-populating yields identical content.
	if err := s.SaveMessageBody(ctx, accountID, "m1", text, html, nil); err != nil {
		t.Fatalf("re-save body: %v", err)
	}
	m, err = s.GetMessage(ctx, accountID, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.BodyText != text || m.BodyHTML != html {
		t.Fatalf("round trip mismatch: %q / %q", m.BodyText, m.BodyHTML)
	}
}
