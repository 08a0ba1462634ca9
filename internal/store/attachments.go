package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/brandon/mailbench/pkg/types"
)

// AttachmentRef is attachment metadata together with the owning
// message's identifiers, enough to fetch the bytes from the gateway.
type AttachmentRef struct {
	types.Attachment
	AccountID int64
	ItemID    string
}

func upsertAttachmentsTx(ctx context.Context, tx *sqlx.Tx, accountID int64, itemID string, attachments []types.Attachment) error {
	var messageID int64
	err := tx.QueryRowContext(ctx,
		"SELECT id FROM messages WHERE account_id = ? AND item_id = ?", accountID, itemID,
	).Scan(&messageID)
	if err != nil {
		return dbErr("resolving message for attachments", err)
	}

	const query = `
		INSERT INTO attachments (message_id, attachment_id, name, content_type, size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, attachment_id) DO UPDATE SET
			name = excluded.name,
			content_type = excluded.content_type,
			size = excluded.size
	`
	for _, a := range attachments {
		if _, err := tx.ExecContext(ctx, query, messageID, a.AttachmentID, a.Name, a.ContentType, a.Size); err != nil {
			return dbErr("upserting attachment", err)
		}
	}
	return nil
}

// ListAttachments returns attachment metadata for a message row.
func (s *Store) ListAttachments(ctx context.Context, messageID int64) ([]types.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, attachment_id, name, content_type, size, content IS NOT NULL
		FROM attachments WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, dbErr("querying attachments", err)
	}
	defer rows.Close()

	var attachments []types.Attachment
	for rows.Next() {
		var a types.Attachment
		var contentType sql.NullString
		if err := rows.Scan(&a.ID, &a.MessageID, &a.AttachmentID, &a.Name, &contentType, &a.Size, &a.Cached); err != nil {
			return nil, dbErr("scanning attachment", err)
		}
		a.ContentType = contentType.String
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// GetAttachment returns one attachment with its owning message identity.
func (s *Store) GetAttachment(ctx context.Context, id int64) (*AttachmentRef, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.message_id, a.attachment_id, a.name, a.content_type, a.size,
		       a.content IS NOT NULL, m.account_id, m.item_id
		FROM attachments a
		JOIN messages m ON a.message_id = m.id
		WHERE a.id = ?`, id)

	var ref AttachmentRef
	var contentType sql.NullString
	err := row.Scan(&ref.Attachment.ID, &ref.MessageID, &ref.Attachment.AttachmentID,
		&ref.Name, &contentType, &ref.Size, &ref.Cached, &ref.AccountID, &ref.ItemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbErr("scanning attachment", err)
	}
	ref.ContentType = contentType.String
	return &ref, nil
}

// AttachmentBytes returns cached attachment content, if present, and
// refreshes its recency for eviction ordering.
func (s *Store) AttachmentBytes(ctx context.Context, id int64) ([]byte, bool, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT content FROM attachments WHERE id = ? AND content IS NOT NULL", id,
	).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, dbErr("reading attachment content", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE attachments SET last_access = ? WHERE id = ?", time.Now().UnixNano(), id); err != nil {
		return nil, false, dbErr("touching attachment", err)
	}
	return content, true, nil
}

// CacheAttachmentBytes stores fetched attachment content. If the total
// cached bytes exceed the configured budget, least-recently-used blobs
// are evicted until under budget; the entry just written is never the
// one evicted. The write and any evictions commit as one transaction.
func (s *Store) CacheAttachmentBytes(ctx context.Context, id int64, data []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbErr("beginning transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE attachments SET content = ?, content_size = ?, last_access = ? WHERE id = ?",
		data, len(data), time.Now().UnixNano(), id)
	if err != nil {
		return dbErr("caching attachment content", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if s.attachmentBudget > 0 {
		if err := evictOverBudgetTx(ctx, tx, s.attachmentBudget, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func evictOverBudgetTx(ctx context.Context, tx *sqlx.Tx, budget int64, keep int64) error {
	for {
		var total int64
		err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(content_size), 0) FROM attachments WHERE content IS NOT NULL",
		).Scan(&total)
		if err != nil {
			return dbErr("summing attachment cache", err)
		}
		if total <= budget {
			return nil
		}

		var victim int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM attachments
			WHERE content IS NOT NULL AND id != ?
			ORDER BY last_access ASC LIMIT 1`, keep).Scan(&victim)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Only the freshly cached entry remains; it stays even
				// if it alone exceeds the budget.
				return nil
			}
			return dbErr("selecting eviction victim", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE attachments SET content = NULL, content_size = 0 WHERE id = ?", victim); err != nil {
			return dbErr("evicting attachment content", err)
		}
	}
}

// EvictAttachmentBytes drops cached content for one attachment, keeping
// its metadata row.
func (s *Store) EvictAttachmentBytes(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE attachments SET content = NULL, content_size = 0 WHERE id = ?", id); err != nil {
		return dbErr("evicting attachment content", err)
	}
	return nil
}

// CachedAttachments returns the ids of attachments with cached content
// in eviction order, least recently used first.
func (s *Store) CachedAttachments(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM attachments WHERE content IS NOT NULL ORDER BY last_access ASC")
	if err != nil {
		return nil, dbErr("querying cached attachments", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr("scanning attachment id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
