package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/brandon/mailbench/pkg/types"
)

// UpsertFolder inserts or updates a folder by (account, server folder id).
// The sync watermark is managed by ApplyFolderDelta and left untouched here.
func (s *Store) UpsertFolder(ctx context.Context, accountID int64, f types.Folder) error {
	query := `
		INSERT INTO folders (account_id, folder_id, name, path, parent_id, folder_type, unread_count, total_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			parent_id = excluded.parent_id,
			folder_type = excluded.folder_type,
			unread_count = excluded.unread_count,
			total_count = excluded.total_count
	`
	if _, err := s.db.ExecContext(ctx, query,
		accountID, f.FolderID, f.Name, f.Path, f.ParentID, f.Type, f.UnreadCount, f.TotalCount,
	); err != nil {
		return dbErr("upserting folder", err)
	}
	return nil
}

// GetFolder returns a folder by (account, server folder id).
func (s *Store) GetFolder(ctx context.Context, accountID int64, folderID string) (*types.Folder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, folder_id, name, path, parent_id, folder_type,
		       unread_count, total_count, watermark, last_synced
		FROM folders WHERE account_id = ? AND folder_id = ?`, accountID, folderID)

	f, err := scanFolder(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbErr("scanning folder", err)
	}
	return f, nil
}

// ListFolders returns all folders for an account ordered by path.
func (s *Store) ListFolders(ctx context.Context, accountID int64) ([]types.Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, folder_id, name, path, parent_id, folder_type,
		       unread_count, total_count, watermark, last_synced
		FROM folders WHERE account_id = ? ORDER BY path`, accountID)
	if err != nil {
		return nil, dbErr("querying folders", err)
	}
	defer rows.Close()

	var folders []types.Folder
	for rows.Next() {
		f, err := scanFolder(rows.Scan)
		if err != nil {
			return nil, dbErr("scanning folder", err)
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

func scanFolder(scan func(dest ...interface{}) error) (*types.Folder, error) {
	var f types.Folder
	var parentID, folderType, watermark sql.NullString
	var lastSynced sql.NullTime

	err := scan(&f.ID, &f.AccountID, &f.FolderID, &f.Name, &f.Path, &parentID, &folderType,
		&f.UnreadCount, &f.TotalCount, &watermark, &lastSynced)
	if err != nil {
		return nil, err
	}
	f.ParentID = parentID.String
	f.Type = folderType.String
	f.Watermark = watermark.String
	if lastSynced.Valid {
		t := lastSynced.Time
		f.LastSynced = &t
	}
	return &f, nil
}

// DeleteFolder removes a folder the server no longer reports, together
// with its cached messages.
func (s *Store) DeleteFolder(ctx context.Context, accountID int64, folderID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbErr("beginning transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE account_id = ? AND folder_id = ?", accountID, folderID); err != nil {
		return dbErr("deleting folder messages", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM folders WHERE account_id = ? AND folder_id = ?", accountID, folderID); err != nil {
		return dbErr("deleting folder", err)
	}
	return tx.Commit()
}

// PruneFoldersNotIn removes folders absent from the latest remote folder
// listing. Returns the number removed.
func (s *Store) PruneFoldersNotIn(ctx context.Context, accountID int64, liveIDs []string) (int, error) {
	if len(liveIDs) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(
		"DELETE FROM messages WHERE account_id = ? AND folder_id NOT IN (?)", accountID, liveIDs)
	if err != nil {
		return 0, dbErr("building folder prune query", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return 0, dbErr("pruning folder messages", err)
	}

	query, args, err = sqlx.In(
		"DELETE FROM folders WHERE account_id = ? AND folder_id NOT IN (?)", accountID, liveIDs)
	if err != nil {
		return 0, dbErr("building folder prune query", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, dbErr("pruning folders", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
