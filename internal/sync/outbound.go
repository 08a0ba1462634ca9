package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbench/internal/remote"
	"github.com/brandon/mailbench/pkg/types"
)

// FlushResult summarizes one pass over an account's outbound queue.
type FlushResult struct {
	Flushed   int // propagated and dequeued
	Failed    int // retry budget exhausted, surfaced as failed
	Remaining int // transient failure, still queued
}

// FlushPending propagates queued local changes (read, flag, delete) to
// the server. Each action is an idempotent gateway call: on success it
// is dequeued, on transient failure its attempt count grows until the
// bounded budget is exhausted and it is marked failed for user retry.
// An authentication failure aborts the pass; remaining actions stay
// queued untouched.
func (c *Coordinator) FlushPending(ctx context.Context, accountID int64) (FlushResult, error) {
	var result FlushResult

	actions, err := c.store.PendingActions(ctx, accountID)
	if err != nil {
		return result, err
	}

	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		err := remote.Retry(ctx, c.opts.MaxAttempts, c.opts.InitialBackoff, func() error {
			return c.gateway.ApplyMessageState(ctx, accountID, action.ItemID, changeForAction(action.Kind))
		})

		switch {
		case err == nil:
			if cerr := c.completeAction(ctx, action); cerr != nil {
				return result, cerr
			}
			result.Flushed++

		case remote.IsNotFound(err):
			// The message vanished server-side: a delete already
			// happened, and any other change is moot. Tombstone locally.
			if cerr := c.store.CompleteDelete(ctx, accountID, action.ItemID); cerr != nil {
				return result, cerr
			}
			if cerr := c.store.CompleteAction(ctx, action.ID); cerr != nil {
				return result, cerr
			}
			result.Flushed++

		case remote.IsAuth(err):
			return result, fmt.Errorf("flushing action %d: %w", action.ID, err)

		default:
			// The retry budget for this pass is spent; one more pass is
			// allowed before the action is surfaced as failed.
			if action.Attempts+1 >= c.opts.MaxAttempts {
				if cerr := c.store.MarkActionFailed(ctx, action.ID, err.Error()); cerr != nil {
					return result, cerr
				}
				result.Failed++
				c.logger.WithError(err).WithFields(logrus.Fields{
					"account": accountID,
					"item":    action.ItemID,
					"kind":    action.Kind,
				}).Warn("Outbound action failed, awaiting user retry")
			} else {
				if cerr := c.store.RecordActionAttempt(ctx, action.ID, err.Error()); cerr != nil {
					return result, cerr
				}
				result.Remaining++
			}
		}
	}
	return result, nil
}

func (c *Coordinator) completeAction(ctx context.Context, action types.PendingAction) error {
	if action.Kind == types.ActionDelete {
		// Remote deletion acknowledged; now the local row may go.
		if err := c.store.CompleteDelete(ctx, action.AccountID, action.ItemID); err != nil {
			return err
		}
	}
	return c.store.CompleteAction(ctx, action.ID)
}

func changeForAction(kind types.ActionKind) remote.StateChange {
	switch kind {
	case types.ActionMarkRead:
		return remote.StateChange{Kind: remote.ChangeRead, Value: true}
	case types.ActionMarkUnread:
		return remote.StateChange{Kind: remote.ChangeRead, Value: false}
	case types.ActionFlag:
		return remote.StateChange{Kind: remote.ChangeFlag, Value: true}
	case types.ActionUnflag:
		return remote.StateChange{Kind: remote.ChangeFlag, Value: false}
	case types.ActionDelete:
		return remote.StateChange{Kind: remote.ChangeDelete, Value: true}
	}
	return remote.StateChange{}
}
