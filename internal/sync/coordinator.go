package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailbench/internal/remote"
	"github.com/brandon/mailbench/internal/store"
	"github.com/brandon/mailbench/pkg/types"
)

// ErrSyncInProgress is returned when a folder is already being synced;
// the caller should treat it as a no-op, not a failure.
var ErrSyncInProgress = errors.New("sync already in progress")

// Options tunes reconciliation behavior.
type Options struct {
	// MaxAttempts bounds retries of a transient gateway failure.
	MaxAttempts int
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
	// MaxParallelFolders caps folders reconciled concurrently within one
	// account. The global ceiling on simultaneous gateway calls is the
	// gateway's own concern; see remote.LimitConcurrency.
	MaxParallelFolders int
	// FullSyncEvery forces a full listing after this many incremental
	// syncs of a folder, since incremental listings are not trusted to
	// report deletions.
	FullSyncEvery int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxParallelFolders <= 0 {
		o.MaxParallelFolders = 4
	}
	if o.FullSyncEvery <= 0 {
		o.FullSyncEvery = 10
	}
	return o
}

// Result summarizes one folder reconciliation.
type Result struct {
	AccountID int64
	FolderID  string
	Added     int
	Updated   int
	Removed   int
	Full      bool
	Watermark string
}

// FolderError is a per-folder failure inside an account sync.
type FolderError struct {
	FolderID string
	Err      error
}

// AccountResult collects the outcome of a whole-account sync. Folder
// failures are independent; one folder failing does not stop the rest.
type AccountResult struct {
	AccountID int64
	Folders   []Result
	Errors    []FolderError
}

type syncKey struct {
	accountID int64
	folderID  string
}

type folderState struct {
	syncing         bool
	incrementalRuns int
}

// Coordinator reconciles remote mailbox state into the local store. Sync
// state per (account, folder) lives in a keyed registry guarded by one
// mutex; reconciliation of a given folder is strictly sequential.
type Coordinator struct {
	store   *store.Store
	gateway remote.Gateway
	logger  *logrus.Logger
	opts    Options

	mu     gosync.Mutex
	states map[syncKey]*folderState
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(st *store.Store, gw remote.Gateway, opts Options, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:   st,
		gateway: gw,
		logger:  logger,
		opts:    opts.withDefaults(),
		states:  make(map[syncKey]*folderState),
	}
}

// acquire claims the per-folder sync lock, failing fast if held.
func (c *Coordinator) acquire(accountID int64, folderID string) (*folderState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := syncKey{accountID, folderID}
	st, ok := c.states[key]
	if !ok {
		st = &folderState{}
		c.states[key] = st
	}
	if st.syncing {
		return nil, ErrSyncInProgress
	}
	st.syncing = true
	return st, nil
}

func (c *Coordinator) release(accountID int64, folderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[syncKey{accountID, folderID}].syncing = false
}

// SyncFolder reconciles one folder. force requests a full listing
// regardless of watermark. The store write is a single transaction; a
// cancellation between gateway calls leaves the cache at the previous
// consistent state.
func (c *Coordinator) SyncFolder(ctx context.Context, accountID int64, folderID string, force bool) (Result, error) {
	st, err := c.acquire(accountID, folderID)
	if err != nil {
		return Result{}, err
	}
	defer c.release(accountID, folderID)

	folder, err := c.store.GetFolder(ctx, accountID, folderID)
	if err != nil {
		return Result{}, fmt.Errorf("loading folder %s: %w", folderID, err)
	}

	since := folder.Watermark
	if force || st.incrementalRuns >= c.opts.FullSyncEvery {
		since = ""
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var listing remote.Listing
	err = remote.Retry(ctx, c.opts.MaxAttempts, c.opts.InitialBackoff, func() error {
		var lerr error
		listing, lerr = c.gateway.ListMessages(ctx, accountID, folderID, since)
		return lerr
	})
	if err != nil {
		if remote.IsNotFound(err) {
			// Folder vanished server-side; tombstone it locally.
			if derr := c.store.DeleteFolder(ctx, accountID, folderID); derr != nil {
				return Result{}, derr
			}
			c.logger.WithFields(logrus.Fields{
				"account": accountID,
				"folder":  folderID,
			}).Info("Folder removed server-side, pruned locally")
		}
		return Result{}, fmt.Errorf("listing messages for %s: %w", folderID, err)
	}

	msgs := make([]types.Message, 0, len(listing.Messages))
	for _, sum := range listing.Messages {
		msgs = append(msgs, messageFromSummary(sum))
	}

	counts, err := c.store.ApplyFolderDelta(ctx, accountID, folderID, msgs, listing.Watermark, listing.Full)
	if err != nil {
		return Result{}, fmt.Errorf("applying delta for %s: %w", folderID, err)
	}

	c.mu.Lock()
	if listing.Full {
		st.incrementalRuns = 0
	} else {
		st.incrementalRuns++
	}
	c.mu.Unlock()

	result := Result{
		AccountID: accountID,
		FolderID:  folderID,
		Added:     counts.Added,
		Updated:   counts.Updated,
		Removed:   counts.Removed,
		Full:      listing.Full,
		Watermark: listing.Watermark,
	}
	c.logger.WithFields(logrus.Fields{
		"account": accountID,
		"folder":  folderID,
		"added":   counts.Added,
		"updated": counts.Updated,
		"removed": counts.Removed,
		"full":    listing.Full,
	}).Info("Synced folder")
	return result, nil
}

func messageFromSummary(sum remote.MessageSummary) types.Message {
	m := types.Message{
		ItemID:         sum.ItemID,
		Subject:        sum.Subject,
		SenderName:     sum.SenderName,
		SenderEmail:    sum.SenderEmail,
		Recipients:     sum.Recipients,
		CC:             sum.CC,
		Date:           sum.Date,
		Size:           sum.Size,
		IsRead:         sum.IsRead,
		IsFlagged:      sum.IsFlagged,
		HasAttachments: sum.HasAttachments,
	}
	for _, a := range sum.Attachments {
		m.Attachments = append(m.Attachments, types.Attachment{
			AttachmentID: a.AttachmentID,
			Name:         a.Name,
			ContentType:  a.ContentType,
			Size:         a.Size,
		})
	}
	return m
}

// SyncAccount refreshes the folder list and reconciles every folder,
// in parallel up to the configured ceiling. Folder failures are
// collected, not fatal; an authentication failure aborts the account.
func (c *Coordinator) SyncAccount(ctx context.Context, accountID int64, force bool) (AccountResult, error) {
	result := AccountResult{AccountID: accountID}

	var summaries []remote.FolderSummary
	err := remote.Retry(ctx, c.opts.MaxAttempts, c.opts.InitialBackoff, func() error {
		var lerr error
		summaries, lerr = c.gateway.ListFolders(ctx, accountID)
		return lerr
	})
	if err != nil {
		return result, fmt.Errorf("listing folders: %w", err)
	}

	liveIDs := make([]string, 0, len(summaries))
	for _, f := range summaries {
		if err := c.store.UpsertFolder(ctx, accountID, types.Folder{
			FolderID:    f.FolderID,
			Name:        f.Name,
			Path:        f.Path,
			ParentID:    f.ParentID,
			Type:        f.Type,
			UnreadCount: f.UnreadCount,
			TotalCount:  f.TotalCount,
		}); err != nil {
			return result, err
		}
		liveIDs = append(liveIDs, f.FolderID)
	}
	if pruned, err := c.store.PruneFoldersNotIn(ctx, accountID, liveIDs); err != nil {
		return result, err
	} else if pruned > 0 {
		c.logger.WithFields(logrus.Fields{
			"account": accountID,
			"count":   pruned,
		}).Info("Pruned folders removed server-side")
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, groupCtx := errgroup.WithContext(groupCtx)
	g.SetLimit(c.opts.MaxParallelFolders)

	var mu gosync.Mutex
	var fatal error
	for _, f := range summaries {
		folderID := f.FolderID
		g.Go(func() error {
			res, err := c.SyncFolder(groupCtx, accountID, folderID, force)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Folders = append(result.Folders, res)
			case errors.Is(err, ErrSyncInProgress):
				// Another requester owns this folder; its result counts.
			case remote.IsAuth(err) || errors.Is(err, store.ErrCorrupt):
				if fatal == nil {
					fatal = err
				}
				cancel()
			default:
				result.Errors = append(result.Errors, FolderError{FolderID: folderID, Err: err})
				c.logger.WithError(err).WithFields(logrus.Fields{
					"account": accountID,
					"folder":  folderID,
				}).Warn("Failed to sync folder")
			}
			return nil
		})
	}
	_ = g.Wait()

	if fatal != nil {
		return result, fatal
	}
	if err := c.store.TouchAccountSync(ctx, accountID, time.Now()); err != nil {
		return result, err
	}
	return result, nil
}

// SyncContacts refreshes the server address book for an account.
func (c *Coordinator) SyncContacts(ctx context.Context, accountID int64) (int, error) {
	var summaries []remote.ContactSummary
	err := remote.Retry(ctx, c.opts.MaxAttempts, c.opts.InitialBackoff, func() error {
		var lerr error
		summaries, lerr = c.gateway.ListContacts(ctx, accountID)
		return lerr
	})
	if err != nil {
		return 0, fmt.Errorf("listing contacts: %w", err)
	}

	contacts := make([]types.Contact, 0, len(summaries))
	for _, s := range summaries {
		contacts = append(contacts, types.Contact{
			ItemID:      s.ItemID,
			Email:       s.Email,
			DisplayName: s.DisplayName,
		})
	}
	if err := c.store.UpsertContacts(ctx, accountID, contacts); err != nil {
		return 0, err
	}
	return len(contacts), nil
}
