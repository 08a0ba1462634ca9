package remote

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// limitedGateway enforces a ceiling on simultaneously active gateway
// calls across every account and caller.
type limitedGateway struct {
	gw  Gateway
	sem *semaphore.Weighted
}

var _ Gateway = (*limitedGateway)(nil)

// LimitConcurrency wraps gw so that at most n calls are in flight at
// once, no matter which account or component issues them. Callers
// block until a slot frees or their context is canceled.
func LimitConcurrency(gw Gateway, n int) Gateway {
	if n < 1 {
		n = 1
	}
	return &limitedGateway{gw: gw, sem: semaphore.NewWeighted(int64(n))}
}

func (l *limitedGateway) ListFolders(ctx context.Context, accountID int64) ([]FolderSummary, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.gw.ListFolders(ctx, accountID)
}

func (l *limitedGateway) ListMessages(ctx context.Context, accountID int64, folderID, sinceWatermark string) (Listing, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Listing{}, err
	}
	defer l.sem.Release(1)
	return l.gw.ListMessages(ctx, accountID, folderID, sinceWatermark)
}

func (l *limitedGateway) FetchMessageBody(ctx context.Context, accountID int64, itemID string) (Body, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Body{}, err
	}
	defer l.sem.Release(1)
	return l.gw.FetchMessageBody(ctx, accountID, itemID)
}

func (l *limitedGateway) FetchAttachment(ctx context.Context, accountID int64, itemID, attachmentID string) ([]byte, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.gw.FetchAttachment(ctx, accountID, itemID, attachmentID)
}

func (l *limitedGateway) ListContacts(ctx context.Context, accountID int64) ([]ContactSummary, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.gw.ListContacts(ctx, accountID)
}

func (l *limitedGateway) ApplyMessageState(ctx context.Context, accountID int64, itemID string, change StateChange) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return l.gw.ApplyMessageState(ctx, accountID, itemID, change)
}
