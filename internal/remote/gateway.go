package remote

import (
	"context"
	"time"
)

// FolderSummary is a folder as reported by the server.
type FolderSummary struct {
	FolderID    string
	Name        string
	Path        string
	ParentID    string
	Type        string
	UnreadCount int
	TotalCount  int
}

// MessageSummary is the listing view of a message: metadata only, no body.
type MessageSummary struct {
	ItemID         string
	Subject        string
	SenderName     string
	SenderEmail    string
	Recipients     []string
	CC             []string
	Date           time.Time
	Size           int64
	IsRead         bool
	IsFlagged      bool
	HasAttachments bool
	Attachments    []AttachmentSummary
}

// AttachmentSummary is attachment metadata from a message listing or body fetch.
type AttachmentSummary struct {
	AttachmentID string
	Name         string
	ContentType  string
	Size         int64
}

// Listing is the result of a message listing call. Full reports whether
// the server returned the complete folder contents; only a full listing
// is safe to prune local tombstones against.
type Listing struct {
	Watermark string
	Messages  []MessageSummary
	Full      bool
}

// Body is a fully fetched message body.
type Body struct {
	Text        string
	HTML        string
	Attachments []AttachmentSummary
}

// ContactSummary is an address-book entry from the server.
type ContactSummary struct {
	ItemID      string
	Email       string
	DisplayName string
}

// StateChange is an outbound message state mutation.
type StateChange struct {
	Kind  ChangeKind
	Value bool
}

// ChangeKind identifies the field a StateChange mutates.
type ChangeKind string

const (
	ChangeRead   ChangeKind = "read"
	ChangeFlag   ChangeKind = "flag"
	ChangeDelete ChangeKind = "delete"
)

// Gateway is the account-scoped RPC surface of the mail server. All
// calls may fail with a typed *Error; callers classify with IsTransient,
// IsAuth, and IsNotFound.
type Gateway interface {
	ListFolders(ctx context.Context, accountID int64) ([]FolderSummary, error)

	// ListMessages lists message summaries for a folder. An empty
	// sinceWatermark requests a full listing; a non-empty one requests
	// changes after that point, though the server may still answer with
	// a full listing (Listing.Full).
	ListMessages(ctx context.Context, accountID int64, folderID, sinceWatermark string) (Listing, error)

	FetchMessageBody(ctx context.Context, accountID int64, itemID string) (Body, error)
	FetchAttachment(ctx context.Context, accountID int64, itemID, attachmentID string) ([]byte, error)
	ListContacts(ctx context.Context, accountID int64) ([]ContactSummary, error)

	// ApplyMessageState propagates a local read/flag/delete change. The
	// call is idempotent: re-applying a change the server already has
	// succeeds.
	ApplyMessageState(ctx context.Context, accountID int64, itemID string, change StateChange) error
}
