package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/brandon/mailbench/pkg/types"
)

// UpsertAccount inserts or updates an account by name and returns its row id.
func (s *Store) UpsertAccount(ctx context.Context, acc *types.Account) (int64, error) {
	query := `
		INSERT INTO accounts (name, email, server, username, sync_interval, display_order)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			email = excluded.email,
			server = excluded.server,
			username = excluded.username,
			sync_interval = excluded.sync_interval,
			display_order = excluded.display_order
	`
	if _, err := s.db.ExecContext(ctx, query,
		acc.Name, acc.Email, acc.Server, acc.Username, acc.SyncInterval, acc.DisplayOrder,
	); err != nil {
		return 0, dbErr("upserting account", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM accounts WHERE name = ?", acc.Name).Scan(&id); err != nil {
		return 0, dbErr("reading account id", err)
	}
	return id, nil
}

// GetAccount returns an account by row id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*types.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, server, username, sync_interval, display_order, last_sync
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByName returns an account by its unique name.
func (s *Store) GetAccountByName(ctx context.Context, name string) (*types.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, server, username, sync_interval, display_order, last_sync
		FROM accounts WHERE name = ?`, name)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*types.Account, error) {
	var acc types.Account
	var lastSync sql.NullTime
	err := row.Scan(&acc.ID, &acc.Name, &acc.Email, &acc.Server, &acc.Username,
		&acc.SyncInterval, &acc.DisplayOrder, &lastSync)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbErr("scanning account", err)
	}
	if lastSync.Valid {
		t := lastSync.Time
		acc.LastSync = &t
	}
	return &acc, nil
}

// ListAccounts returns all accounts in display order.
func (s *Store) ListAccounts(ctx context.Context) ([]types.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, server, username, sync_interval, display_order, last_sync
		FROM accounts ORDER BY display_order, name`)
	if err != nil {
		return nil, dbErr("querying accounts", err)
	}
	defer rows.Close()

	var accounts []types.Account
	for rows.Next() {
		var acc types.Account
		var lastSync sql.NullTime
		if err := rows.Scan(&acc.ID, &acc.Name, &acc.Email, &acc.Server, &acc.Username,
			&acc.SyncInterval, &acc.DisplayOrder, &lastSync); err != nil {
			return nil, dbErr("scanning account", err)
		}
		if lastSync.Valid {
			t := lastSync.Time
			acc.LastSync = &t
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// DeleteAccount removes an account and, via cascade, every folder,
// message, attachment, and pending action it owns.
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
		return dbErr("deleting account", err)
	}
	// Server-sourced contacts cascade with the account row only through
	// this explicit delete: the contacts table also holds account_id 0
	// local entries, which must survive.
	if _, err := s.db.ExecContext(ctx, "DELETE FROM contacts WHERE account_id = ?", id); err != nil {
		return dbErr("deleting account contacts", err)
	}
	return nil
}

// TouchAccountSync records a successful account-level sync.
func (s *Store) TouchAccountSync(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET last_sync = ? WHERE id = ?", at.UTC(), id); err != nil {
		return dbErr("updating account last_sync", err)
	}
	return nil
}
