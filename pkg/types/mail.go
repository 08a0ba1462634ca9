package types

import "time"

// Account is a configured server identity. It owns every folder, message,
// and server-sourced contact cached from that server.
type Account struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Server       string     `json:"server"`
	Username     string     `json:"username"`
	SyncInterval int        `json:"sync_interval"`
	DisplayOrder int        `json:"display_order"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
}

// Folder is a cached mail folder. FolderID is the server-assigned
// identifier and is unique within an account.
type Folder struct {
	ID          int64      `json:"id"`
	AccountID   int64      `json:"account_id"`
	FolderID    string     `json:"folder_id"`
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	ParentID    string     `json:"parent_id,omitempty"`
	Type        string     `json:"type,omitempty"`
	UnreadCount int        `json:"unread_count"`
	TotalCount  int        `json:"total_count"`
	Watermark   string     `json:"watermark,omitempty"`
	LastSynced  *time.Time `json:"last_synced,omitempty"`
}

// Message is a cached message. Only metadata is populated during sync;
// body fields are filled lazily on first read.
type Message struct {
	ID             int64     `json:"id"`
	AccountID      int64     `json:"account_id"`
	FolderID       string    `json:"folder_id"`
	ItemID         string    `json:"item_id"`
	Subject        string    `json:"subject"`
	SenderName     string    `json:"sender_name"`
	SenderEmail    string    `json:"sender_email"`
	Recipients     []string  `json:"recipients,omitempty"`
	CC             []string  `json:"cc,omitempty"`
	Date           time.Time `json:"date"`
	Size           int64     `json:"size"`
	IsRead         bool      `json:"is_read"`
	IsFlagged      bool      `json:"is_flagged"`
	HasAttachments bool      `json:"has_attachments"`
	BodyCached     bool      `json:"body_cached"`
	BodyText       string    `json:"body_text,omitempty"`
	BodyHTML       string    `json:"body_html,omitempty"`
	CachedAt       time.Time `json:"cached_at"`

	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is attachment metadata. The byte content is cached
// separately and may be evicted without touching this record.
type Attachment struct {
	ID           int64  `json:"id"`
	MessageID    int64  `json:"message_id"`
	AttachmentID string `json:"attachment_id"`
	Name         string `json:"name"`
	ContentType  string `json:"content_type,omitempty"`
	Size         int64  `json:"size"`
	Cached       bool   `json:"cached"`
}

// Contact is a cached address-book entry. AccountID 0 marks a local,
// account-agnostic entry built from outgoing mail.
type Contact struct {
	ID          int64     `json:"id"`
	AccountID   int64     `json:"account_id"`
	ItemID      string    `json:"item_id,omitempty"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	SendCount   int       `json:"send_count"`
	LastUsed    time.Time `json:"last_used"`
}

// ActionKind identifies a queued local change awaiting remote propagation.
type ActionKind string

const (
	ActionMarkRead   ActionKind = "mark_read"
	ActionMarkUnread ActionKind = "mark_unread"
	ActionFlag       ActionKind = "flag"
	ActionUnflag     ActionKind = "unflag"
	ActionDelete     ActionKind = "delete"
)

// ActionStatus is the queue state of a pending action. Failed actions
// stay visible until the user retries or discards them.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionFailed  ActionStatus = "failed"
)

// PendingAction is one queued outbound state change.
type PendingAction struct {
	ID        int64        `json:"id"`
	AccountID int64        `json:"account_id"`
	ItemID    string       `json:"item_id"`
	Kind      ActionKind   `json:"kind"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	Status    ActionStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}
