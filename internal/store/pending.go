package store

import (
	"context"
	"database/sql"

	"github.com/brandon/mailbench/pkg/types"
)

// PendingActions returns queued actions for an account in submission order.
func (s *Store) PendingActions(ctx context.Context, accountID int64) ([]types.PendingAction, error) {
	return s.actionsByStatus(ctx, accountID, types.ActionPending)
}

// FailedActions returns actions whose retries were exhausted. They stay
// visible until the user retries or discards them.
func (s *Store) FailedActions(ctx context.Context, accountID int64) ([]types.PendingAction, error) {
	return s.actionsByStatus(ctx, accountID, types.ActionFailed)
}

func (s *Store) actionsByStatus(ctx context.Context, accountID int64, status types.ActionStatus) ([]types.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, item_id, kind, attempts, last_error, status, created_at
		FROM pending_actions
		WHERE account_id = ? AND status = ?
		ORDER BY id`, accountID, string(status))
	if err != nil {
		return nil, dbErr("querying pending actions", err)
	}
	defer rows.Close()

	var actions []types.PendingAction
	for rows.Next() {
		var a types.PendingAction
		var kind, status string
		var lastError sql.NullString
		if err := rows.Scan(&a.ID, &a.AccountID, &a.ItemID, &kind, &a.Attempts,
			&lastError, &status, &a.CreatedAt); err != nil {
			return nil, dbErr("scanning pending action", err)
		}
		a.Kind = types.ActionKind(kind)
		a.Status = types.ActionStatus(status)
		a.LastError = lastError.String
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// RecordActionAttempt notes one failed propagation attempt, keeping the
// action queued.
func (s *Store) RecordActionAttempt(ctx context.Context, id int64, lastError string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE pending_actions SET attempts = attempts + 1, last_error = ? WHERE id = ?",
		lastError, id); err != nil {
		return dbErr("recording action attempt", err)
	}
	return nil
}

// MarkActionFailed moves an action to the failed state after its retry
// budget is exhausted. It is never silently dropped.
func (s *Store) MarkActionFailed(ctx context.Context, id int64, lastError string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE pending_actions SET status = 'failed', attempts = attempts + 1, last_error = ? WHERE id = ?",
		lastError, id); err != nil {
		return dbErr("marking action failed", err)
	}
	return nil
}

// CompleteAction dequeues a successfully propagated action.
func (s *Store) CompleteAction(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_actions WHERE id = ?", id); err != nil {
		return dbErr("completing action", err)
	}
	return nil
}

// RetryAction requeues a failed action at the user's request.
func (s *Store) RetryAction(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE pending_actions SET status = 'pending', attempts = 0, last_error = NULL WHERE id = ?",
		id); err != nil {
		return dbErr("retrying action", err)
	}
	return nil
}
