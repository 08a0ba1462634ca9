package scheduler

import (
	"context"
	"strconv"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbench/internal/query"
	"github.com/brandon/mailbench/internal/store"
	"github.com/brandon/mailbench/internal/sync"
)

// TaskKind identifies what a background task does.
type TaskKind string

const (
	TaskSyncAccount     TaskKind = "sync_account"
	TaskSyncFolder      TaskKind = "sync_folder"
	TaskFlush           TaskKind = "flush"
	TaskSyncContacts    TaskKind = "sync_contacts"
	TaskFetchBody       TaskKind = "fetch_body"
	TaskFetchAttachment TaskKind = "fetch_attachment"
)

// EventType is the lifecycle stage an Event reports.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is delivered to subscribers as tasks progress. Exactly one of
// the result fields is set on completion, matching the task kind.
type Event struct {
	TaskID       string
	Type         EventType
	Kind         TaskKind
	AccountID    int64
	FolderID     string
	ItemID       string
	AttachmentID int64

	Folder  *sync.Result
	Account *sync.AccountResult
	Flush   *sync.FlushResult
	Err     error
}

type taskKey struct {
	kind      TaskKind
	accountID int64
	objectID  string
}

// Scheduler runs sync, flush, and fetch operations off the caller's
// thread on a bounded worker pool. Competing requests for the same task
// key are coalesced into the in-flight task: the second enqueue returns
// the first task's id, and both requesters observe its events.
type Scheduler struct {
	coord   *sync.Coordinator
	queries *query.Service
	store   *store.Store
	logger  *logrus.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	workers chan struct{}
	wg      gosync.WaitGroup

	mu       gosync.Mutex
	inflight map[taskKey]string
	subs     map[int64]chan Event
	nextSub  int64
}

// New creates a scheduler with the given worker ceiling.
func New(coord *sync.Coordinator, queries *query.Service, st *store.Store, maxWorkers int, logger *logrus.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		coord:    coord,
		queries:  queries,
		store:    st,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(chan struct{}, maxWorkers),
		inflight: make(map[taskKey]string),
		subs:     make(map[int64]chan Event),
	}
}

// Stop cancels in-flight work cooperatively and waits for it to settle.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// Subscribe registers for task events. The channel is buffered; a
// subscriber that falls behind misses events rather than blocking the
// scheduler. Cancel with Unsubscribe.
func (s *Scheduler) Subscribe() (int64, <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	ch := make(chan Event, 32)
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Scheduler) Unsubscribe(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Scheduler) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// EnqueueSyncAccount schedules a whole-account sync and returns the task
// id, which may belong to an already in-flight sync of the same account.
func (s *Scheduler) EnqueueSyncAccount(accountID int64, force bool) string {
	key := taskKey{kind: TaskSyncAccount, accountID: accountID}
	return s.submit(key, Event{}, func(ctx context.Context, ev Event) Event {
		res, err := s.coord.SyncAccount(ctx, accountID, force)
		ev.Account = &res
		ev.Err = err
		return ev
	})
}

// EnqueueSyncFolder schedules a single-folder sync.
func (s *Scheduler) EnqueueSyncFolder(accountID int64, folderID string, force bool) string {
	key := taskKey{kind: TaskSyncFolder, accountID: accountID, objectID: folderID}
	return s.submit(key, Event{FolderID: folderID}, func(ctx context.Context, ev Event) Event {
		res, err := s.coord.SyncFolder(ctx, accountID, folderID, force)
		ev.Folder = &res
		ev.Err = err
		return ev
	})
}

// EnqueueFlush schedules an outbound-queue flush for an account.
func (s *Scheduler) EnqueueFlush(accountID int64) string {
	key := taskKey{kind: TaskFlush, accountID: accountID}
	return s.submit(key, Event{}, func(ctx context.Context, ev Event) Event {
		res, err := s.coord.FlushPending(ctx, accountID)
		ev.Flush = &res
		ev.Err = err
		return ev
	})
}

// EnqueueContactSync schedules an address-book refresh for an account.
func (s *Scheduler) EnqueueContactSync(accountID int64) string {
	key := taskKey{kind: TaskSyncContacts, accountID: accountID}
	return s.submit(key, Event{}, func(ctx context.Context, ev Event) Event {
		_, err := s.coord.SyncContacts(ctx, accountID)
		ev.Err = err
		return ev
	})
}

// EnqueueFetchBody schedules a background body fetch-and-populate for a
// message. The fetch runs on the worker pool like any other task;
// completion means the body is in the durable cache and a fresh
// MessageBody read will not touch the network. Repeat enqueues while the
// fetch is in flight coalesce onto it.
func (s *Scheduler) EnqueueFetchBody(accountID int64, itemID string) string {
	key := taskKey{kind: TaskFetchBody, accountID: accountID, objectID: itemID}
	return s.submit(key, Event{ItemID: itemID}, func(ctx context.Context, ev Event) Event {
		_, err := s.queries.MessageBody(ctx, accountID, itemID)
		ev.Err = err
		return ev
	})
}

// EnqueueFetchAttachment schedules a background attachment download into
// the byte cache, coalescing with an in-flight fetch of the same
// attachment.
func (s *Scheduler) EnqueueFetchAttachment(attachmentID int64) string {
	key := taskKey{kind: TaskFetchAttachment, objectID: strconv.FormatInt(attachmentID, 10)}
	return s.submit(key, Event{AttachmentID: attachmentID}, func(ctx context.Context, ev Event) Event {
		_, err := s.queries.Attachment(ctx, attachmentID)
		ev.Err = err
		return ev
	})
}

func (s *Scheduler) submit(key taskKey, base Event, run func(ctx context.Context, ev Event) Event) string {
	s.mu.Lock()
	if id, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		return id
	}
	id := uuid.New().String()
	s.inflight[key] = id
	s.mu.Unlock()

	base.TaskID = id
	base.Kind = key.kind
	base.AccountID = key.accountID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
		}()

		select {
		case s.workers <- struct{}{}:
		case <-s.ctx.Done():
			ev := base
			ev.Type = EventFailed
			ev.Err = s.ctx.Err()
			s.publish(ev)
			return
		}
		defer func() { <-s.workers }()

		started := base
		started.Type = EventStarted
		s.publish(started)

		done := run(s.ctx, base)
		if done.Err != nil {
			done.Type = EventFailed
			s.logger.WithError(done.Err).WithFields(logrus.Fields{
				"task":    done.TaskID,
				"kind":    done.Kind,
				"account": done.AccountID,
			}).Warn("Background task failed")
		} else {
			done.Type = EventCompleted
		}
		s.publish(done)
	}()
	return id
}

// RunPeriodic syncs all accounts and flushes their outbound queues on
// the given interval until the scheduler stops. An immediate first pass
// runs before the ticker starts.
func (s *Scheduler) RunPeriodic(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.enqueueAll()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueAll()
			}
		}
	}()
}

func (s *Scheduler) enqueueAll() {
	accounts, err := s.store.ListAccounts(s.ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list accounts for periodic sync")
		return
	}
	for _, acc := range accounts {
		s.EnqueueFlush(acc.ID)
		s.EnqueueSyncAccount(acc.ID, false)
	}
}
