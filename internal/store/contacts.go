package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/brandon/mailbench/pkg/types"
)

// UpsertContacts merges server-sourced contacts for an account. Names
// from the server win; local usage ranking is preserved.
func (s *Store) UpsertContacts(ctx context.Context, accountID int64, contacts []types.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbErr("beginning transaction", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO contacts (account_id, item_id, email, display_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, email) DO UPDATE SET
			item_id = excluded.item_id,
			display_name = excluded.display_name
	`
	for _, c := range contacts {
		email := strings.ToLower(strings.TrimSpace(c.Email))
		if email == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, accountID, c.ItemID, email, c.DisplayName); err != nil {
			return dbErr("upserting contact", err)
		}
	}
	return tx.Commit()
}

// RecordRecipient bumps the autocomplete ranking for an address used in
// outgoing mail. These entries are account-agnostic (account_id 0).
func (s *Store) RecordRecipient(ctx context.Context, email, name string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (account_id, email, display_name, send_count, last_used)
		VALUES (0, ?, ?, 1, ?)
		ON CONFLICT(account_id, email) DO UPDATE SET
			display_name = COALESCE(NULLIF(excluded.display_name, ''), contacts.display_name),
			send_count = contacts.send_count + 1,
			last_used = excluded.last_used`,
		email, name, time.Now().UTC()); err != nil {
		return dbErr("recording recipient", err)
	}
	return nil
}

// SearchContacts returns autocomplete candidates for a prefix, ranked by
// how often and how recently they were used.
func (s *Store) SearchContacts(ctx context.Context, prefix string, limit int) ([]types.Contact, error) {
	if limit <= 0 {
		limit = 10
	}
	term := prefix + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, item_id, email, display_name, send_count, last_used
		FROM contacts
		WHERE email LIKE ? OR display_name LIKE ?
		ORDER BY send_count DESC, last_used DESC
		LIMIT ?`, term, term, limit)
	if err != nil {
		return nil, dbErr("querying contacts", err)
	}
	defer rows.Close()

	var contacts []types.Contact
	for rows.Next() {
		var c types.Contact
		var itemID, name sql.NullString
		if err := rows.Scan(&c.ID, &c.AccountID, &itemID, &c.Email, &name, &c.SendCount, &c.LastUsed); err != nil {
			return nil, dbErr("scanning contact", err)
		}
		c.ItemID = itemID.String
		c.DisplayName = name.String
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
