package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/brandon/mailbench/pkg/types"
)

// DeltaCounts summarizes one folder reconciliation.
type DeltaCounts struct {
	Added   int
	Updated int
	Removed int
}

// ApplyFolderDelta reconciles one folder's remote listing into the cache
// as a single transaction: every summary is upserted (re-parenting a
// message whose folder changed, preserving any cached body; a queued
// local read or flag change wins over the server value until it
// propagates), messages
// absent from a full listing are pruned, and the folder watermark is
// advanced. Either the whole reconciliation commits or none of it does.
func (s *Store) ApplyFolderDelta(ctx context.Context, accountID int64, folderID string, msgs []types.Message, watermark string, full bool) (DeltaCounts, error) {
	var counts DeltaCounts

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return counts, dbErr("beginning transaction", err)
	}
	defer tx.Rollback()

	existing := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, "SELECT item_id FROM messages WHERE account_id = ?", accountID)
	if err != nil {
		return counts, dbErr("querying existing messages", err)
	}
	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			rows.Close()
			return counts, dbErr("scanning message id", err)
		}
		existing[itemID] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return counts, dbErr("reading existing messages", err)
	}

	const upsert = `
		INSERT INTO messages (account_id, folder_id, item_id, subject, sender_name, sender_email,
		                      recipients, cc, date_received, size, is_read, is_flagged, has_attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, item_id) DO UPDATE SET
			folder_id = excluded.folder_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			recipients = excluded.recipients,
			cc = excluded.cc,
			date_received = excluded.date_received,
			size = excluded.size,
			is_read = CASE WHEN EXISTS (
				SELECT 1 FROM pending_actions p
				WHERE p.account_id = messages.account_id AND p.item_id = messages.item_id
				  AND p.kind IN ('mark_read', 'mark_unread')
			) THEN messages.is_read ELSE excluded.is_read END,
			is_flagged = CASE WHEN EXISTS (
				SELECT 1 FROM pending_actions p
				WHERE p.account_id = messages.account_id AND p.item_id = messages.item_id
				  AND p.kind IN ('flag', 'unflag')
			) THEN messages.is_flagged ELSE excluded.is_flagged END,
			has_attachments = excluded.has_attachments,
			cached_at = CURRENT_TIMESTAMP
	`
	stmt, err := tx.PreparexContext(ctx, upsert)
	if err != nil {
		return counts, dbErr("preparing message upsert", err)
	}
	defer stmt.Close()

	liveIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		recipients, err := json.Marshal(m.Recipients)
		if err != nil {
			return counts, fmt.Errorf("marshaling recipients for %s: %w", m.ItemID, err)
		}
		cc, err := json.Marshal(m.CC)
		if err != nil {
			return counts, fmt.Errorf("marshaling cc for %s: %w", m.ItemID, err)
		}

		if _, err := stmt.ExecContext(ctx,
			accountID, folderID, m.ItemID, m.Subject, m.SenderName, m.SenderEmail,
			string(recipients), string(cc), m.Date.UTC(), m.Size,
			boolToInt(m.IsRead), boolToInt(m.IsFlagged), boolToInt(m.HasAttachments),
		); err != nil {
			return counts, dbErr("upserting message", err)
		}

		if len(m.Attachments) > 0 {
			if err := upsertAttachmentsTx(ctx, tx, accountID, m.ItemID, m.Attachments); err != nil {
				return counts, err
			}
		}

		if existing[m.ItemID] {
			counts.Updated++
		} else {
			counts.Added++
		}
		liveIDs = append(liveIDs, m.ItemID)
	}

	if full {
		removed, err := deleteNotInTx(ctx, tx, accountID, folderID, liveIDs)
		if err != nil {
			return counts, err
		}
		counts.Removed = removed
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE folders SET watermark = ?, last_synced = ? WHERE account_id = ? AND folder_id = ?",
		watermark, time.Now().UTC(), accountID, folderID,
	); err != nil {
		return counts, dbErr("updating folder watermark", err)
	}

	if err := tx.Commit(); err != nil {
		return counts, dbErr("committing reconciliation", err)
	}
	return counts, nil
}

// deleteNotInTx prunes messages in the folder whose server id is absent
// from the latest full listing.
func deleteNotInTx(ctx context.Context, tx *sqlx.Tx, accountID int64, folderID string, liveIDs []string) (int, error) {
	var (
		query string
		args  []interface{}
		err   error
	)
	if len(liveIDs) == 0 {
		query = "DELETE FROM messages WHERE account_id = ? AND folder_id = ?"
		args = []interface{}{accountID, folderID}
	} else {
		query, args, err = sqlx.In(
			"DELETE FROM messages WHERE account_id = ? AND folder_id = ? AND item_id NOT IN (?)",
			accountID, folderID, liveIDs)
		if err != nil {
			return 0, dbErr("building prune query", err)
		}
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, dbErr("pruning messages", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MessageFilter selects and orders a page of cached messages.
type MessageFilter struct {
	FolderID    string
	UnreadOnly  bool
	FlaggedOnly bool
	Sender      string // substring match on sender name or address
	Subject     string // substring match
	SortBy      string // date, subject, sender; default date
	SortAsc     bool
	Limit       int
	Offset      int
}

// ListMessages returns cached message metadata for an account, paged and
// filtered. It never touches the network, and rows carrying a pending
// local delete are excluded.
func (s *Store) ListMessages(ctx context.Context, accountID int64, filter MessageFilter) ([]types.Message, error) {
	conditions := []string{"account_id = ?", "is_deleted = 0"}
	args := []interface{}{accountID}

	if filter.FolderID != "" {
		conditions = append(conditions, "folder_id = ?")
		args = append(args, filter.FolderID)
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "is_read = 0")
	}
	if filter.FlaggedOnly {
		conditions = append(conditions, "is_flagged = 1")
	}
	if filter.Sender != "" {
		conditions = append(conditions, "(sender_email LIKE ? OR sender_name LIKE ?)")
		term := "%" + filter.Sender + "%"
		args = append(args, term, term)
	}
	if filter.Subject != "" {
		conditions = append(conditions, "subject LIKE ?")
		args = append(args, "%"+filter.Subject+"%")
	}

	sortBy := "date_received"
	switch filter.SortBy {
	case "subject":
		sortBy = "subject"
	case "sender":
		sortBy = "sender_email"
	}
	direction := "DESC"
	if filter.SortAsc {
		direction = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT id, account_id, folder_id, item_id, subject, sender_name, sender_email,
		       recipients, cc, date_received, size, is_read, is_flagged, has_attachments,
		       body_cached, cached_at
		FROM messages
		WHERE %s
		ORDER BY %s %s`, strings.Join(conditions, " AND "), sortBy, direction)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("querying messages", err)
	}
	defer rows.Close()

	var messages []types.Message
	for rows.Next() {
		var m types.Message
		var recipients, cc sql.NullString
		if err := rows.Scan(&m.ID, &m.AccountID, &m.FolderID, &m.ItemID, &m.Subject,
			&m.SenderName, &m.SenderEmail, &recipients, &cc, &m.Date, &m.Size,
			&m.IsRead, &m.IsFlagged, &m.HasAttachments, &m.BodyCached, &m.CachedAt); err != nil {
			return nil, dbErr("scanning message", err)
		}
		if err := decodeAddressLists(&m, recipients, cc); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetMessage returns one message including any cached body and its
// attachment metadata.
func (s *Store) GetMessage(ctx context.Context, accountID int64, itemID string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, folder_id, item_id, subject, sender_name, sender_email,
		       recipients, cc, date_received, size, is_read, is_flagged, has_attachments,
		       body_cached, body_text, body_html, cached_at
		FROM messages WHERE account_id = ? AND item_id = ? AND is_deleted = 0`,
		accountID, itemID)

	var m types.Message
	var recipients, cc, bodyText, bodyHTML sql.NullString
	err := row.Scan(&m.ID, &m.AccountID, &m.FolderID, &m.ItemID, &m.Subject,
		&m.SenderName, &m.SenderEmail, &recipients, &cc, &m.Date, &m.Size,
		&m.IsRead, &m.IsFlagged, &m.HasAttachments, &m.BodyCached, &bodyText, &bodyHTML, &m.CachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbErr("scanning message", err)
	}
	m.BodyText = bodyText.String
	m.BodyHTML = bodyHTML.String
	if err := decodeAddressLists(&m, recipients, cc); err != nil {
		return nil, err
	}

	attachments, err := s.ListAttachments(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Attachments = attachments
	return &m, nil
}

func decodeAddressLists(m *types.Message, recipients, cc sql.NullString) error {
	if recipients.Valid && recipients.String != "" && recipients.String != "null" {
		if err := json.Unmarshal([]byte(recipients.String), &m.Recipients); err != nil {
			return fmt.Errorf("unmarshaling recipients: %w", err)
		}
	}
	if cc.Valid && cc.String != "" && cc.String != "null" {
		if err := json.Unmarshal([]byte(cc.String), &m.CC); err != nil {
			return fmt.Errorf("unmarshaling cc: %w", err)
		}
	}
	return nil
}

// SaveMessageBody caches a fetched body and its attachment metadata in
// one transaction. A failed fetch never reaches this point, so the cache
// row is either fully populated or untouched.
func (s *Store) SaveMessageBody(ctx context.Context, accountID int64, itemID, bodyText, bodyHTML string, attachments []types.Attachment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbErr("beginning transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET body_text = ?, body_html = ?, body_cached = 1
		WHERE account_id = ? AND item_id = ?`,
		bodyText, bodyHTML, accountID, itemID)
	if err != nil {
		return dbErr("saving message body", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if len(attachments) > 0 {
		if err := upsertAttachmentsTx(ctx, tx, accountID, itemID, attachments); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EvictMessageBody drops a cached body, keeping the metadata row.
func (s *Store) EvictMessageBody(ctx context.Context, accountID int64, itemID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body_text = NULL, body_html = NULL, body_cached = 0
		WHERE account_id = ? AND item_id = ?`, accountID, itemID); err != nil {
		return dbErr("evicting message body", err)
	}
	return nil
}

// MarkRead sets the read state locally and queues the change for remote
// propagation in the same transaction.
func (s *Store) MarkRead(ctx context.Context, accountID int64, itemID string, read bool) error {
	kind := types.ActionMarkRead
	if !read {
		kind = types.ActionMarkUnread
	}
	return s.localMutation(ctx, accountID, itemID,
		"UPDATE messages SET is_read = ? WHERE account_id = ? AND item_id = ?",
		[]interface{}{boolToInt(read), accountID, itemID}, kind)
}

// MarkFlagged sets the flagged state locally and queues the change.
func (s *Store) MarkFlagged(ctx context.Context, accountID int64, itemID string, flagged bool) error {
	kind := types.ActionFlag
	if !flagged {
		kind = types.ActionUnflag
	}
	return s.localMutation(ctx, accountID, itemID,
		"UPDATE messages SET is_flagged = ? WHERE account_id = ? AND item_id = ?",
		[]interface{}{boolToInt(flagged), accountID, itemID}, kind)
}

// DeleteMessage hides the message locally and queues a remote delete.
// The row is only removed by CompleteDelete once the server acknowledges,
// so a crash before propagation cannot lose the request.
func (s *Store) DeleteMessage(ctx context.Context, accountID int64, itemID string) error {
	return s.localMutation(ctx, accountID, itemID,
		"UPDATE messages SET is_deleted = 1 WHERE account_id = ? AND item_id = ?",
		[]interface{}{accountID, itemID}, types.ActionDelete)
}

// CompleteDelete removes a locally deleted message after the server has
// acknowledged the deletion.
func (s *Store) CompleteDelete(ctx context.Context, accountID int64, itemID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE account_id = ? AND item_id = ?", accountID, itemID); err != nil {
		return dbErr("removing deleted message", err)
	}
	return nil
}

func (s *Store) localMutation(ctx context.Context, accountID int64, itemID, query string, args []interface{}, kind types.ActionKind) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbErr("beginning transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return dbErr("applying local change", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO pending_actions (account_id, item_id, kind) VALUES (?, ?, ?)",
		accountID, itemID, string(kind)); err != nil {
		return dbErr("queuing pending action", err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
