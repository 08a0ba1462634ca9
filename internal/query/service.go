package query

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/brandon/mailbench/internal/remote"
	"github.com/brandon/mailbench/internal/store"
	"github.com/brandon/mailbench/pkg/types"
)

// Options tunes the query service.
type Options struct {
	// BodyCacheSize is the entry count of the in-memory hot body cache.
	BodyCacheSize int
	// MaxAttempts bounds retries of a transient fetch failure.
	MaxAttempts int
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.BodyCacheSize <= 0 {
		o.BodyCacheSize = 128
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	return o
}

// Service is the cache-first read and local-first mutation API the UI
// layer consumes. Listing calls never touch the network; body and
// attachment reads fall back to a coalesced fetch-and-populate.
type Service struct {
	store   *store.Store
	gateway remote.Gateway
	logger  *logrus.Logger
	opts    Options

	// flights coalesces concurrent fetches of the same object into one
	// in-flight gateway call.
	flights singleflight.Group
	bodies  *lru.Cache[string, remote.Body]
}

// NewService creates a query service.
func NewService(st *store.Store, gw remote.Gateway, opts Options, logger *logrus.Logger) (*Service, error) {
	opts = opts.withDefaults()
	bodies, err := lru.New[string, remote.Body](opts.BodyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating body cache: %w", err)
	}
	return &Service{
		store:   st,
		gateway: gw,
		logger:  logger,
		opts:    opts,
		bodies:  bodies,
	}, nil
}

// ListFolders returns cached folders for an account.
func (s *Service) ListFolders(ctx context.Context, accountID int64) ([]types.Folder, error) {
	return s.store.ListFolders(ctx, accountID)
}

// ListMessages returns a page of cached message metadata.
func (s *Service) ListMessages(ctx context.Context, accountID int64, filter store.MessageFilter) ([]types.Message, error) {
	return s.store.ListMessages(ctx, accountID, filter)
}

func bodyKey(accountID int64, itemID string) string {
	return fmt.Sprintf("%d/%s", accountID, itemID)
}

// MessageBody returns a message with its body populated, serving from
// cache when possible. On a miss the body is fetched through the
// gateway and cached; the fetch either fully populates the cache row or
// fails leaving it unchanged. Concurrent requests for the same message
// share one in-flight fetch.
func (s *Service) MessageBody(ctx context.Context, accountID int64, itemID string) (*types.Message, error) {
	m, err := s.store.GetMessage(ctx, accountID, itemID)
	if err != nil {
		return nil, err
	}
	if m.BodyCached {
		return m, nil
	}

	key := bodyKey(accountID, itemID)
	v, err, _ := s.flights.Do(key, func() (interface{}, error) {
		if body, ok := s.bodies.Get(key); ok {
			// Hot-cache hit after the durable row was evicted; restore it.
			if serr := s.store.SaveMessageBody(ctx, accountID, itemID, body.Text, body.HTML, nil); serr != nil {
				return nil, serr
			}
			return body, nil
		}

		var body remote.Body
		ferr := remote.Retry(ctx, s.opts.MaxAttempts, s.opts.InitialBackoff, func() error {
			var gerr error
			body, gerr = s.gateway.FetchMessageBody(ctx, accountID, itemID)
			return gerr
		})
		if ferr != nil {
			return nil, ferr
		}

		attachments := make([]types.Attachment, 0, len(body.Attachments))
		for _, a := range body.Attachments {
			attachments = append(attachments, types.Attachment{
				AttachmentID: a.AttachmentID,
				Name:         a.Name,
				ContentType:  a.ContentType,
				Size:         a.Size,
			})
		}
		if serr := s.store.SaveMessageBody(ctx, accountID, itemID, body.Text, body.HTML, attachments); serr != nil {
			return nil, serr
		}
		s.bodies.Add(key, body)
		return body, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching body for %s: %w", itemID, err)
	}

	body := v.(remote.Body)
	m.BodyText = body.Text
	m.BodyHTML = body.HTML
	m.BodyCached = true

	attachments, err := s.store.ListAttachments(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Attachments = attachments
	return m, nil
}

// Attachment returns attachment bytes, cache-first. A miss fetches
// through the gateway and populates the evictable byte cache; a failed
// fetch never surfaces partial content.
func (s *Service) Attachment(ctx context.Context, attachmentID int64) ([]byte, error) {
	ref, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}

	data, ok, err := s.store.AttachmentBytes(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	if ok {
		return data, nil
	}

	key := fmt.Sprintf("att/%d", attachmentID)
	v, err, _ := s.flights.Do(key, func() (interface{}, error) {
		var content []byte
		ferr := remote.Retry(ctx, s.opts.MaxAttempts, s.opts.InitialBackoff, func() error {
			var gerr error
			content, gerr = s.gateway.FetchAttachment(ctx, ref.AccountID, ref.ItemID, ref.Attachment.AttachmentID)
			return gerr
		})
		if ferr != nil {
			return nil, ferr
		}
		if serr := s.store.CacheAttachmentBytes(ctx, attachmentID, content); serr != nil {
			return nil, serr
		}
		return content, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching attachment %d: %w", attachmentID, err)
	}
	return v.([]byte), nil
}

// MarkRead applies a local-first read state change, visible to
// subsequent reads immediately and queued for remote propagation.
func (s *Service) MarkRead(ctx context.Context, accountID int64, itemID string, read bool) error {
	return s.store.MarkRead(ctx, accountID, itemID, read)
}

// MarkFlagged applies a local-first flag change.
func (s *Service) MarkFlagged(ctx context.Context, accountID int64, itemID string, flagged bool) error {
	return s.store.MarkFlagged(ctx, accountID, itemID, flagged)
}

// Delete hides the message locally and queues the remote deletion.
func (s *Service) Delete(ctx context.Context, accountID int64, itemID string) error {
	s.bodies.Remove(bodyKey(accountID, itemID))
	return s.store.DeleteMessage(ctx, accountID, itemID)
}

// FailedActions lists outbound changes whose propagation gave up, for
// the UI to offer a retry.
func (s *Service) FailedActions(ctx context.Context, accountID int64) ([]types.PendingAction, error) {
	return s.store.FailedActions(ctx, accountID)
}

// RetryAction requeues a failed outbound change.
func (s *Service) RetryAction(ctx context.Context, actionID int64) error {
	return s.store.RetryAction(ctx, actionID)
}

// SearchContacts returns autocomplete candidates for a prefix.
func (s *Service) SearchContacts(ctx context.Context, prefix string, limit int) ([]types.Contact, error) {
	return s.store.SearchContacts(ctx, prefix, limit)
}

// RecordRecipient bumps autocomplete ranking for an address used in
// outgoing mail.
func (s *Service) RecordRecipient(ctx context.Context, email, name string) error {
	return s.store.RecordRecipient(ctx, email, name)
}
