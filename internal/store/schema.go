package store

// Schema contains the SQL schema for the local cache.
const Schema = `
-- Accounts table
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    email TEXT NOT NULL,
    server TEXT NOT NULL,
    username TEXT NOT NULL,
    sync_interval INTEGER DEFAULT 300,
    display_order INTEGER DEFAULT 0,
    last_sync DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Folders table
CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    folder_id TEXT NOT NULL,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    parent_id TEXT,
    folder_type TEXT,
    unread_count INTEGER DEFAULT 0,
    total_count INTEGER DEFAULT 0,
    watermark TEXT,
    last_synced DATETIME,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, folder_id)
);

-- Messages table. Body columns are populated lazily; is_deleted marks a
-- local delete awaiting remote acknowledgement.
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    folder_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    subject TEXT,
    sender_name TEXT,
    sender_email TEXT,
    recipients TEXT,
    cc TEXT,
    date_received DATETIME NOT NULL,
    size INTEGER DEFAULT 0,
    is_read INTEGER DEFAULT 0,
    is_flagged INTEGER DEFAULT 0,
    has_attachments INTEGER DEFAULT 0,
    is_deleted INTEGER DEFAULT 0,
    body_cached INTEGER DEFAULT 0,
    body_text TEXT,
    body_html TEXT,
    cached_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, item_id)
);

-- Attachment metadata plus an evictable byte cache. content may be NULL
-- while the metadata row survives.
CREATE TABLE IF NOT EXISTS attachments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id INTEGER NOT NULL,
    attachment_id TEXT NOT NULL,
    name TEXT NOT NULL,
    content_type TEXT,
    size INTEGER DEFAULT 0,
    content BLOB,
    content_size INTEGER DEFAULT 0,
    last_access INTEGER DEFAULT 0,
    FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
    UNIQUE(message_id, attachment_id)
);

-- Contacts: server-sourced per account, or account_id 0 for local
-- entries built from outgoing mail.
CREATE TABLE IF NOT EXISTS contacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL DEFAULT 0,
    item_id TEXT,
    email TEXT NOT NULL COLLATE NOCASE,
    display_name TEXT,
    send_count INTEGER DEFAULT 0,
    last_used DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, email)
);

-- Queued local changes awaiting remote propagation.
CREATE TABLE IF NOT EXISTS pending_actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    item_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    attempts INTEGER DEFAULT 0,
    last_error TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

-- Indexes for the hot read paths
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(account_id, folder_id, date_received DESC);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_email);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
CREATE INDEX IF NOT EXISTS idx_attachments_access ON attachments(last_access) WHERE content IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_contacts_rank ON contacts(send_count DESC, last_used DESC);
CREATE INDEX IF NOT EXISTS idx_pending_account ON pending_actions(account_id, status);
`
